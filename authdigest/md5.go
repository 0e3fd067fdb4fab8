package authdigest

import (
	"crypto/md5"
	"encoding/hex"
)

// MD5 computes the PostgreSQL MD5 password digest:
//
//	"md5" + hex(md5(hex(md5(password+user)) + salt))
func MD5(password, user string, salt [4]byte) string {
	inner := md5Hex(password + user)
	outer := md5Hex(inner + string(salt[:]))
	return "md5" + outer
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

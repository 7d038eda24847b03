package provisioner

import (
	"crypto"
	"crypto/md5"
	"encoding/hex"
	"strings"
)

// WorkspaceTag derives the tag used to find instances launched from a given
// workspace: the uppercase hex MD5 of 'workDir' followed by every address.
//
// The same workspace and addresses always produce the same tag. Nothing about
// it is unique beyond what MD5 gives.
func WorkspaceTag(workDir string, addrs ...string) string {
	if !crypto.MD5.Available() {
		panic("provisioner: MD5 is not linked into this binary")
	}
	h := md5.New()
	h.Write([]byte(workDir))
	for _, addr := range addrs {
		h.Write([]byte(addr))
	}
	return strings.ToUpper(hex.EncodeToString(h.Sum(nil)))
}

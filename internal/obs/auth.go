// SPDX-License-Identifier: MIT

package obs

import (
	"crypto/sha256"
	"encoding/base64"
)

// computeAuthResponse derives the v5 challenge response:
//
//	secret   = base64(sha256(password + salt))
//	response = base64(sha256(secret + challenge))
func computeAuthResponse(password, salt, challenge string) string {
	secretSum := sha256.Sum256([]byte(password + salt))
	secret := base64.StdEncoding.EncodeToString(secretSum[:])

	responseSum := sha256.Sum256([]byte(secret + challenge))
	return base64.StdEncoding.EncodeToString(responseSum[:])
}

// cimcconf is a CIMC configuration broker.
// Copyright (C) 2025  Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package crypto

import (
	"regexp"
	"strings"
)

// RedactSecret redacts a secret string for logging.
// Empty strings return empty. Short strings (<=4 chars) return "****".
// Longer strings show first 2 and last 2 characters with asterisks in between.
func RedactSecret(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 4 {
		return "****"
	}
	return secret[:2] + strings.Repeat("*", len(secret)-4) + secret[len(secret)-2:]
}

// RedactToken redacts a session cookie or API token for logging.
// Shows first 4 and last 4 characters with an ellipsis.
func RedactToken(token string) string {
	if token == "" {
		return ""
	}
	if len(token) <= 8 {
		return "********"
	}
	return token[:4] + "..." + token[len(token)-4:]
}

// RedactPassword always returns "[REDACTED]" for any non-empty password.
func RedactPassword(password string) string {
	if password == "" {
		return ""
	}
	return "[REDACTED]"
}

var mountPasswordRE = regexp.MustCompile(`(password=)[^,]*`)

// RedactMountOptions hides password tokens folded into a virtual media
// mount-options string ("nolock,username=u,password=p").
func RedactMountOptions(opts string) string {
	return mountPasswordRE.ReplaceAllString(opts, "${1}[REDACTED]")
}

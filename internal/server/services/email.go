package services

import "strings"

// DeriveLoginEmail maps a directory username to the email the identity
// provider knows the member by. Usernames that already look like an email
// are used as is, bare handles get domain appended. It reports false for a
// blank username, which is a data defect rather than a transient condition.
func DeriveLoginEmail(username, domain string) (string, bool) {
	if strings.TrimSpace(username) == "" {
		return "", false
	}
	if strings.Contains(username, "@") {
		return username, true
	}
	return username + "@" + domain, true
}

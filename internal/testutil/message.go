package testutil

import (
	"fmt"
	"strings"
)

// VendorMail builds a plain-text RFC 5322 message.
func VendorMail(from, subject, body string) []byte {
	return []byte(strings.Join([]string{
		"From: " + from,
		"To: couple@example.com",
		"Subject: " + subject,
		"Date: Mon, 01 Jan 2024 12:00:00 +0000",
		"Message-ID: <" + strings.ReplaceAll(subject, " ", ".") + "@example.com>",
		"Content-Type: text/plain; charset=utf-8",
		"",
		body,
	}, "\r\n"))
}

// MultipartMail builds a multipart/alternative message with text and HTML parts.
func MultipartMail(from, subject, text, html string) []byte {
	const boundary = "mw-boundary"
	return []byte(fmt.Sprintf("From: %s\r\nTo: couple@example.com\r\nSubject: %s\r\n"+
		"Date: Mon, 01 Jan 2024 12:00:00 +0000\r\nMIME-Version: 1.0\r\n"+
		"Content-Type: multipart/alternative; boundary=%q\r\n\r\n"+
		"--%s\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n%s\r\n"+
		"--%s\r\nContent-Type: text/html; charset=utf-8\r\n\r\n%s\r\n"+
		"--%s--\r\n",
		from, subject, boundary, boundary, text, boundary, html, boundary))
}

package approvals

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/pquerna/otp/totp"
	"github.com/skip2/go-qrcode"
)

// GenerateTOTPSecret generates a new 160-bit secret, base32-encoded.
func GenerateTOTPSecret() (string, error) {
	secret := make([]byte, 20)
	if _, err := rand.Read(secret); err != nil {
		return "", fmt.Errorf("generate TOTP secret: %w", err)
	}
	return base32.StdEncoding.EncodeToString(secret), nil
}

// ValidateTOTPCode checks a 6-digit code (SHA1, 30s period, one period of
// skew).
func ValidateTOTPCode(code, secret string) bool {
	return totp.Validate(strings.TrimSpace(code), secret)
}

// FormatTOTPURI builds the otpauth:// URI for an admin account.
func FormatTOTPURI(account, secret string) string {
	if account == "" {
		account = "admin"
	}
	return fmt.Sprintf("otpauth://totp/interlock:%s?secret=%s&issuer=interlock", url.PathEscape(account), secret)
}

// DisplayTOTPSetup writes a QR code and the manual secret to w.
func DisplayTOTPSetup(w io.Writer, account, secret string) error {
	qr, err := qrcode.New(FormatTOTPURI(account, secret), qrcode.Medium)
	if err != nil {
		return fmt.Errorf("generate QR code: %w", err)
	}

	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Interlock approval codes")
	fmt.Fprintln(w, "Scan this QR code with your authenticator app:")
	fmt.Fprintln(w, "")
	for _, line := range strings.Split(qr.ToSmallString(false), "\n") {
		if line != "" {
			fmt.Fprintf(w, "  %s\n", line)
		}
	}
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "Or enter manually: %s\n", secret)
	fmt.Fprintln(w, "Then set approvals.totp_secret in the config to this value.")
	fmt.Fprintln(w, "")
	return nil
}

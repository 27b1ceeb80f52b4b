package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"
)

// signedFields is the exact concatenation order the gateway uses when it
// computes the x-token header over the notification form body. Missing
// fields contribute an empty string.
var signedFields = []string{
	"cpm_site_id",
	"cpm_trans_id",
	"cpm_trans_date",
	"cpm_amount",
	"cpm_currency",
	"signature",
	"payment_method",
	"cel_phone_num",
	"cpm_phone_prefixe",
	"cpm_language",
	"cpm_version",
	"cpm_payment_config",
	"cpm_page_action",
	"cpm_custom",
	"cpm_designation",
	"cpm_error_message",
}

// ComputeSignature returns the hex HMAC-SHA256 of the notification form
// fields in canonical order, keyed with the merchant secret.
func ComputeSignature(form url.Values, secretKey string) string {
	var sb strings.Builder
	for _, field := range signedFields {
		sb.WriteString(form.Get(field))
	}

	mac := hmac.New(sha256.New, []byte(secretKey))
	mac.Write([]byte(sb.String()))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks the x-token header against the recomputed HMAC in
// constant time.
func VerifySignature(form url.Values, secretKey, token string) bool {
	if token == "" {
		return false
	}
	expected := ComputeSignature(form, secretKey)
	return hmac.Equal([]byte(expected), []byte(token))
}

// Package fingerprint derives stable device identifiers from the metadata a
// node reports about a proxied connection.
package fingerprint

import (
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/minio/sha256-simd"
)

// Version is bumped whenever the inputs or their encoding change, so old and
// new fingerprints never collide.
const Version = 1

type ClientType string

const (
	ClientAndroid ClientType = "android"
	ClientIOS     ClientType = "ios"
	ClientWindows ClientType = "windows"
	ClientMacOS   ClientType = "macos"
	ClientLinux   ClientType = "linux"
	ClientOther   ClientType = "other"
)

// Checked in order; the first table with a matching keyword wins.
var clientKeywords = []struct {
	typ      ClientType
	keywords []string
}{
	{ClientAndroid, []string{"android", "v2rayng", "matsuri", "sagernet"}},
	{ClientIOS, []string{"ios", "iphone", "ipad", "shadowrocket", "quantumult"}},
	{ClientWindows, []string{"windows", "v2rayn", "clash for windows", "clash-for-windows"}},
	{ClientMacOS, []string{"macos", "darwin", "clashx"}},
	{ClientLinux, []string{"linux", "ubuntu", "debian"}},
}

var canonicalNames = map[string]string{
	"v2rayng":           "v2rayNG",
	"v2rayn":            "v2rayN",
	"clashx":            "ClashX",
	"clash for windows": "Clash for Windows",
	"clash-for-windows": "Clash for Windows",
	"shadowrocket":      "Shadowrocket",
	"quantumult":        "Quantumult",
	"sing-box":          "sing-box",
	"matsuri":           "Matsuri",
	"sagernet":          "SagerNet",
	"nekobox":           "NekoBox",
}

// Build returns the hex SHA-256 of the pipe-joined inputs and the fingerprint
// version. Absent inputs are encoded as empty strings.
func Build(userID int64, clientName, tlsFingerprint, osGuess, userAgent string) (string, int) {
	raw := strings.Join([]string{
		strconv.FormatInt(userID, 10),
		clientName,
		tlsFingerprint,
		osGuess,
		userAgent,
	}, "|")
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:]), Version
}

// GuessClientType classifies a client from its name and user agent.
func GuessClientType(clientName, userAgent string) ClientType {
	if clientName == "" && userAgent == "" {
		return ClientOther
	}
	haystack := strings.ToLower(clientName + " " + userAgent)
	for _, entry := range clientKeywords {
		for _, kw := range entry.keywords {
			if strings.Contains(haystack, kw) {
				return entry.typ
			}
		}
	}
	return ClientOther
}

// ExtractClientName returns the product token of a user agent such as
// "v2rayNG/1.8.5", falling back to its first word.
func ExtractClientName(userAgent string) string {
	if userAgent == "" {
		return ""
	}
	if parts := strings.Split(userAgent, "/"); len(parts) >= 2 {
		if name := strings.TrimSpace(parts[0]); name != "" {
			return name
		}
	}
	if fields := strings.Fields(userAgent); len(fields) > 0 {
		return fields[0]
	}
	return ""
}

// NormalizeClientName maps known client names to their canonical spelling.
// Unknown names are returned unchanged.
func NormalizeClientName(name string) string {
	if name == "" {
		return ""
	}
	if canonical, ok := canonicalNames[strings.ToLower(strings.TrimSpace(name))]; ok {
		return canonical
	}
	return name
}

package signing

import (
	"fmt"
	"strings"

	"github.com/apk-analysis/apk-rebuild-go/internal/archive"
)

// Scheme 最终采用的签名方案
type Scheme int

const (
	SchemeV1 Scheme = iota + 1
	SchemeV2
	SchemeBoth
)

func (s Scheme) String() string {
	switch s {
	case SchemeV1:
		return "v1_jar"
	case SchemeV2:
		return "v2_block"
	case SchemeBoth:
		return "both"
	default:
		return fmt.Sprintf("scheme(%d)", int(s))
	}
}

// HasV1 是否包含 v1
func (s Scheme) HasV1() bool { return s == SchemeV1 || s == SchemeBoth }

// HasV2 是否包含 v2
func (s Scheme) HasV2() bool { return s == SchemeV2 || s == SchemeBoth }

// Preference 调用方偏好
type Preference string

const (
	PreferAuto Preference = "auto"
	PreferV1   Preference = "v1"
	PreferV2   Preference = "v2"
	PreferBoth Preference = "both"
)

// ParsePreference 解析偏好字符串，空串视为 auto
func ParsePreference(s string) (Preference, error) {
	switch p := Preference(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PreferAuto, nil
	case PreferAuto, PreferV1, PreferV2, PreferBoth:
		return p, nil
	default:
		return "", fmt.Errorf("unknown signature scheme %q (auto|v1|v2|both)", s)
	}
}

// MinSDKForV2 v2 签名从 Android 7.0 (API 24) 开始被校验
const MinSDKForV2 = 24

// SelectScheme 根据偏好与原包已有签名选择方案
//
// auto 时沿用原包的签名方案，未签名的包同时使用 v1+v2；
// minSDK < 24 的设备不认 v2，结果中总会包含 v1。
func SelectScheme(pref Preference, existing archive.SignatureInfo, minSDK int) Scheme {
	var s Scheme
	switch pref {
	case PreferV1:
		s = SchemeV1
	case PreferV2:
		s = SchemeV2
	case PreferBoth:
		s = SchemeBoth
	default:
		hasV2 := existing.V2 || existing.V3
		switch {
		case existing.V1 && hasV2:
			s = SchemeBoth
		case existing.V1:
			s = SchemeV1
		case hasV2:
			s = SchemeV2
		default:
			s = SchemeBoth
		}
	}
	if s == SchemeV2 && minSDK > 0 && minSDK < MinSDKForV2 {
		s = SchemeBoth
	}
	return s
}

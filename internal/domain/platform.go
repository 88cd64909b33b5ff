package domain

import (
	"net/url"
	"strings"
)

// ATSType identifies the hiring-page engine a posting is hosted on. It
// determines the form's structure and therefore the recipe key.
type ATSType string

const (
	ATSGreenhouse ATSType = "greenhouse"
	ATSLever      ATSType = "lever"
	ATSWorkday    ATSType = "workday"
	ATSGeneric    ATSType = "generic"
)

// DetectATS identifies the ATS from a posting URL. An explicit hint wins
// when it names a known type; otherwise the host decides.
func DetectATS(targetURL, hint string) ATSType {
	switch ATSType(strings.ToLower(strings.TrimSpace(hint))) {
	case ATSGreenhouse, ATSLever, ATSWorkday:
		return ATSType(strings.ToLower(strings.TrimSpace(hint)))
	}

	parsed, err := url.Parse(targetURL)
	if err != nil {
		return ATSGeneric
	}
	host := strings.ToLower(parsed.Host)

	switch {
	case strings.Contains(host, "greenhouse.io"):
		return ATSGreenhouse
	case strings.Contains(host, "lever.co"):
		return ATSLever
	case strings.Contains(host, "workday.com"), strings.Contains(host, "myworkdayjobs.com"):
		return ATSWorkday
	default:
		return ATSGeneric
	}
}

// PlatformKey normalizes a posting URL into the recipe cache's platform
// component: the bare host, minus a leading www.
func PlatformKey(targetURL string) string {
	parsed, err := url.Parse(targetURL)
	if err != nil || parsed.Host == "" {
		return strings.ToLower(strings.TrimSpace(targetURL))
	}
	return strings.TrimPrefix(strings.ToLower(parsed.Host), "www.")
}

package search

import (
	"sort"
	"strings"
)

var countryNames = map[string]string{
	"US": "United States",
	"JP": "Japan",
	"DE": "Germany",
	"GB": "United Kingdom",
	"UK": "United Kingdom",
	"CA": "Canada",
	"AU": "Australia",
	"FR": "France",
	"IT": "Italy",
	"ES": "Spain",
	"PT": "Portugal",
	"NL": "Netherlands",
	"BE": "Belgium",
	"CH": "Switzerland",
	"AT": "Austria",
	"SE": "Sweden",
	"NO": "Norway",
	"DK": "Denmark",
	"FI": "Finland",
	"IE": "Ireland",
	"NZ": "New Zealand",
	"SG": "Singapore",
	"HK": "Hong Kong",
	"KR": "South Korea",
	"CN": "China",
	"IN": "India",
	"BR": "Brazil",
	"MX": "Mexico",
	"AR": "Argentina",
	"CL": "Chile",
	"CO": "Colombia",
	"PE": "Peru",
	"ZA": "South Africa",
	"NG": "Nigeria",
	"KE": "Kenya",
	"GH": "Ghana",
	"EG": "Egypt",
	"MA": "Morocco",
	"AE": "United Arab Emirates",
	"SA": "Saudi Arabia",
	"IL": "Israel",
	"TR": "Turkey",
	"PL": "Poland",
	"CZ": "Czech Republic",
	"HU": "Hungary",
	"RO": "Romania",
	"GR": "Greece",
	"TH": "Thailand",
	"VN": "Vietnam",
	"PH": "Philippines",
	"MY": "Malaysia",
	"ID": "Indonesia",
	"TW": "Taiwan",
}

// CountryName expands an ISO country code to the name content is searched by.
// Anything longer than three characters is assumed to already be a name.
func CountryName(code string) string {
	code = strings.TrimSpace(code)
	if len(code) > 3 {
		return code
	}
	if name, ok := countryNames[strings.ToUpper(code)]; ok {
		return name
	}
	return code
}

// Aliases returns the ways a destination may have been registered: the name
// itself plus every code that expands to it.
func Aliases(name string) []string {
	name = strings.TrimSpace(name)
	aliases := []string{name}
	for code, n := range countryNames {
		if strings.EqualFold(n, name) && !strings.EqualFold(code, name) {
			aliases = append(aliases, code)
		}
	}
	sort.Strings(aliases[1:])
	return aliases
}

package event

import "strings"

// Cell-relative URL schemes
const (
	SchemeLocalUnit = "personium-localunit:"
	SchemeLocalCell = "personium-localcell:"
	SchemeLocalBox  = "personium-localbox:"
)

func withSlash(base string) string {
	if strings.HasSuffix(base, "/") {
		return base
	}
	return base + "/"
}

// ResolveLocalUnit rewrites a personium-localunit: URL against unitURL. Both the
// "personium-localunit:/cell/path" and "personium-localunit:cell:/path" forms are accepted.
// Other strings are returned unchanged.
func ResolveLocalUnit(unitURL, s string) string {
	rest, ok := strings.CutPrefix(s, SchemeLocalUnit)
	if !ok {
		return s
	}
	if cell, path, found := strings.Cut(rest, ":"); found && !strings.HasPrefix(rest, "/") {
		return withSlash(unitURL) + cell + "/" + strings.TrimPrefix(path, "/")
	}
	return withSlash(unitURL) + strings.TrimPrefix(rest, "/")
}

// ResolveLocalCell rewrites a personium-localcell: URL against cellURL
func ResolveLocalCell(cellURL, s string) string {
	rest, ok := strings.CutPrefix(s, SchemeLocalCell)
	if !ok {
		return s
	}
	return withSlash(cellURL) + strings.TrimPrefix(rest, "/")
}

// LocalBoxToLocalCell rewrites a personium-localbox: URL into the personium-localcell:
// form rooted at boxName. Without a box name the string is returned unchanged.
func LocalBoxToLocalCell(boxName, s string) string {
	rest, ok := strings.CutPrefix(s, SchemeLocalBox)
	if !ok || boxName == "" {
		return s
	}
	return SchemeLocalCell + "/" + boxName + "/" + strings.TrimPrefix(rest, "/")
}

// ResolveService turns a rule's service into an absolute URL. Local cell URLs resolve
// against cellURL and local unit URLs against unitURL.
func ResolveService(unitURL, cellURL, service string) string {
	switch {
	case strings.HasPrefix(service, SchemeLocalCell):
		return ResolveLocalCell(cellURL, service)
	case strings.HasPrefix(service, SchemeLocalUnit):
		return ResolveLocalUnit(unitURL, service)
	default:
		return service
	}
}

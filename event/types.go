package event

import "strings"

// Event types the engine acts on
const (
	TypeRuleCreate = "cellctl.Rule.create"
	TypeRuleUpdate = "cellctl.Rule.update"
	TypeRulePatch  = "cellctl.Rule.patch"
	TypeRuleDelete = "cellctl.Rule.delete"

	TypeBoxCreate = "cellctl.Box.create"
	TypeBoxUpdate = "cellctl.Box.update"
	TypeBoxPatch  = "cellctl.Box.patch"
	TypeBoxDelete = "cellctl.Box.delete"

	TypeRuleLinksBoxCreate = "cellctl.Rule.links.Box.create"
	TypeRuleLinksBoxDelete = "cellctl.Rule.links.Box.delete"
	TypeBoxLinksRuleCreate = "cellctl.Box.links.Rule.create"
	TypeBoxLinksRuleDelete = "cellctl.Box.links.Rule.delete"

	TypeRuleNavPropBoxCreate = "cellctl.Rule.navprop.Box.create"
	TypeBoxNavPropRuleCreate = "cellctl.Box.navprop.Rule.create"

	TypeCellImport = "cell.import"

	TypeTimerPeriodic = "timer.periodic"
	TypeTimerOneshot  = "timer.oneshot"
)

// Prefixes applied by RelayEvent
const (
	RelayPrefix         = "relay."
	RelayExternalPrefix = "relay.ext."
)

var administrative = map[string]struct{}{
	TypeRuleCreate:           {},
	TypeRuleUpdate:           {},
	TypeRulePatch:            {},
	TypeRuleDelete:           {},
	TypeBoxCreate:            {},
	TypeBoxUpdate:            {},
	TypeBoxPatch:             {},
	TypeBoxDelete:            {},
	TypeRuleLinksBoxCreate:   {},
	TypeRuleLinksBoxDelete:   {},
	TypeBoxLinksRuleCreate:   {},
	TypeBoxLinksRuleDelete:   {},
	TypeRuleNavPropBoxCreate: {},
	TypeBoxNavPropRuleCreate: {},
	TypeCellImport:           {},
}

// IsAdministrative reports whether t belongs to the fixed set of rule and box mutation
// types that are re-published on the rule topic.
func IsAdministrative(t string) bool {
	_, ok := administrative[t]
	return ok
}

// IsTimer reports whether t is one of the timer rule types
func IsTimer(t string) bool {
	return t == TypeTimerPeriodic || t == TypeTimerOneshot
}

// IsCreate reports whether t ends in the .create operation
func IsCreate(t string) bool {
	return strings.HasSuffix(t, ".create")
}

// IsUpdate reports whether t ends in .update or .patch
func IsUpdate(t string) bool {
	return strings.HasSuffix(t, ".update") || strings.HasSuffix(t, ".patch")
}

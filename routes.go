package stageflow

import (
	"slices"

	"github.com/petrijr/stageflow/pkg/state"
)

// IfRoute returns a route to then when cond holds and to otherwise
// otherwise.
func IfRoute(cond func(st state.State) bool, then, otherwise string) RouteFunc {
	return func(st state.State) string {
		if cond(st) {
			return then
		}
		return otherwise
	}
}

// SwitchRoute routes by the value selector derives from state. Values
// missing from branches go to fallback, which keeps a model returning an
// unexpected label from failing the run.
func SwitchRoute(selector func(st state.State) string, branches map[string]string, fallback string) RouteFunc {
	// Copy so later mutation of branches does not change routing.
	table := make(map[string]string, len(branches))
	for k, v := range branches {
		table[k] = v
	}
	return func(st state.State) string {
		if next, ok := table[selector(st)]; ok {
			return next
		}
		return fallback
	}
}

// TextSwitch is SwitchRoute keyed by the text value of a state key.
func TextSwitch(key string, branches map[string]string, fallback string) RouteFunc {
	return SwitchRoute(func(st state.State) string { return st.Text(key) }, branches, fallback)
}

// Targets lists every stage a SwitchRoute over branches and fallback can
// return, for use as Route targets.
func Targets(branches map[string]string, fallback string) []string {
	seen := map[string]bool{fallback: true}
	out := []string{fallback}
	for _, v := range branches {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	slices.Sort(out[1:])
	return out
}

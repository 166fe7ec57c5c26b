package broadcast

// Filter restricts which events a room's subscribers receive. Each field is
// an allow-list over one event dimension; an empty list allows everything in
// that dimension.
type Filter struct {
	Types      []string `json:"types,omitempty"`
	Namespaces []string `json:"namespaces,omitempty"`
	Teams      []string `json:"teams,omitempty"`
}

// Allows reports whether the event passes every populated allow-list.
func (f *Filter) Allows(evt Event) bool {
	if f == nil {
		return true
	}
	if !allowed(f.Types, evt.Type) {
		return false
	}
	if !allowed(f.Namespaces, evt.Namespace) {
		return false
	}
	return allowed(f.Teams, evt.Team)
}

func allowed(list []string, value string) bool {
	if len(list) == 0 {
		return true
	}
	for _, entry := range list {
		if entry == value {
			return true
		}
	}
	return false
}

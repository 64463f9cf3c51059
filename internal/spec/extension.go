package spec

// Extension is an opaque backend-specific extension value attached to a
// spec. The core never inspects extension contents; it only carries them
// and invokes the two resolution passes at the right moments.
type Extension interface {
	ExtensionID() string
}

// ResolveContext carries the values available to expression resolution.
// Early resolution runs before request-scoped values are known; late
// resolution runs once the running instance's runtime values (assigned
// identifiers, addresses) are available.
type ResolveContext struct {
	User    string
	SpecID  string
	ProxyID string

	// Runtime holds values assigned while starting the instance, present
	// only for the late pass.
	Runtime map[string]string
}

// Resolver performs expression resolution of individual spec fields.
// Implemented by an external collaborator; the core treats it as opaque.
type Resolver interface {
	Resolve(ctx ResolveContext, value string) (string, error)
}

// TwoPhaseExtension is implemented by extensions whose fields contain
// expressions. Both passes are pure: they return a new resolved extension
// and never mutate the receiver, so the same spec can be resolved
// concurrently for multiple requests.
type TwoPhaseExtension interface {
	Extension
	ResolveEarly(r Resolver, ctx ResolveContext) (Extension, error)
	ResolveLate(r Resolver, ctx ResolveContext) (Extension, error)
}

// resolvePass applies one resolution pass to every extension of the spec
// and returns a copy of the spec carrying the resolved values. Extensions
// that do not implement TwoPhaseExtension are carried over untouched.
func (s *ProxySpec) resolvePass(r Resolver, ctx ResolveContext, late bool) (*ProxySpec, error) {
	if len(s.Extensions) == 0 {
		return s, nil
	}
	out := *s
	out.Extensions = make(map[string]Extension, len(s.Extensions))
	for id, ext := range s.Extensions {
		tp, ok := ext.(TwoPhaseExtension)
		if !ok {
			out.Extensions[id] = ext
			continue
		}
		var (
			resolved Extension
			err      error
		)
		if late {
			resolved, err = tp.ResolveLate(r, ctx)
		} else {
			resolved, err = tp.ResolveEarly(r, ctx)
		}
		if err != nil {
			return nil, err
		}
		out.Extensions[id] = resolved
	}
	return &out, nil
}

// ResolveEarly runs the early resolution pass over all extensions.
func (s *ProxySpec) ResolveEarly(r Resolver, ctx ResolveContext) (*ProxySpec, error) {
	return s.resolvePass(r, ctx, false)
}

// ResolveLate runs the late resolution pass over all extensions.
func (s *ProxySpec) ResolveLate(r Resolver, ctx ResolveContext) (*ProxySpec, error) {
	return s.resolvePass(r, ctx, true)
}

package hls

import "context"

// RequestKind classifies an outbound request made by the client. It travels
// in the request context so loaders can treat manifests and media differently.
type RequestKind int

const (
	KindUnknown RequestKind = iota
	KindManifest
	KindLevel
	KindKey
	KindFragment
)

func (k RequestKind) String() string {
	switch k {
	case KindManifest:
		return "manifest"
	case KindLevel:
		return "level"
	case KindKey:
		return "key"
	case KindFragment:
		return "fragment"
	default:
		return "unknown"
	}
}

type requestKindKey struct{}

// WithRequestKind returns a copy of ctx carrying kind.
func WithRequestKind(ctx context.Context, kind RequestKind) context.Context {
	return context.WithValue(ctx, requestKindKey{}, kind)
}

// RequestKindFrom extracts the request kind from ctx, or KindUnknown.
func RequestKindFrom(ctx context.Context) RequestKind {
	if ctx == nil {
		return KindUnknown
	}
	if k, ok := ctx.Value(requestKindKey{}).(RequestKind); ok {
		return k
	}
	return KindUnknown
}

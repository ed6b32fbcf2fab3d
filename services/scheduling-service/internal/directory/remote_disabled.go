//go:build !protogen

package directory

// NewRemoteProvider requires generated proto clients. Without the
// protogen tag there is no remote lookup; callers fall back to the
// store-backed provider.
func NewRemoteProvider(_ string) (Provider, error) {
	return nil, nil
}

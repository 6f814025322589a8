//go:build !ibverbs

package verbs

// Load reports that no native capability table was compiled in. Build with
// -tags ibverbs on a host with libibverbs development headers to get the
// real table.
func Load() (Lib, error) {
	return nil, ErrNotBuilt
}

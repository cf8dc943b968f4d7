// Package rendercache is a tiered, content-addressed cache for derived
// browser-engine artifacts: computed styles, layout results, decoded
// fonts, decoded images and compiled script bytecode, shared across
// isolated execution contexts.
//
// Byte-identical content is stored once system-wide, keyed by sha256
// digest and tracked by reference counting rather than copying. Cached
// payloads move between three tiers under byte budgets and external
// memory-pressure signals: Hot (raw bytes), Warm (fast zstd), Cold
// (high-ratio zstd, on disk). Lookups always promote fully back to Hot;
// demotion belongs exclusively to the eviction engine.
//
// Basic usage:
//
//	mgr, _ := rendercache.New(
//	    rendercache.WithBudgets(64<<20, 128<<20, 512<<20),
//	    rendercache.WithColdDir("/var/cache/rendercache"),
//	)
//	defer mgr.Close()
//
//	// Producer side: compute on miss, cached thereafter.
//	data, _ := mgr.GetOrCompute(ctx, rendercache.ResourceFont, fontKey,
//	    func(ctx context.Context) ([]byte, error) {
//	        return decodeFont(ctx, raw)
//	    })
//
//	// Consumer side: hold a generational reference across frames.
//	ref, _ := mgr.RefFor(rendercache.ResourceFont, fontKey)
//	data, err := mgr.Lookup(ref) // ErrStaleRef after reclamation
//
//	// External memory monitor.
//	mgr.SetPressure(rendercache.PressureElevated)
//
// Contexts ("tabs") register with the manager and can be hibernated:
// their live state is serialized into a versioned snapshot that
// references shared content by digest, every held reference is
// released, and Wake later reconstructs the context, reporting any
// content that was reclaimed in the interim so the caller can recompute
// it.
//
// All cache errors are recoverable by recomputation; none are fatal to
// the embedding engine.
package rendercache

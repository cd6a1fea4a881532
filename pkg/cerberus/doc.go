// Package cerberus guards snapshot integrity.
//
// Cerberus keeps the gate of the Underworld; here it refuses to let a damaged
// snapshot pass back into the living tree. A Verifier recomputes a snapshot's
// manifest from the bytes on disk and compares it with the one recorded when
// the snapshot was taken.
//
// # Basic Usage
//
//	v := cerberus.NewVerifier(manager, cerberus.Options{Logger: logger})
//	ok, mismatches, err := v.Verify(ctx, id)
//	if errors.Is(err, domain.ErrIntegrityMismatch) {
//	    // mismatches names the top-level entries that changed
//	}
//
// Verify never modifies the snapshot.
package cerberus

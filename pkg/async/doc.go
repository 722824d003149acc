// Package async runs background work without letting it crash the process.
//
// Go and GoTimeout start a goroutine that recovers panics and logs failures through
// the structured logger. The returned channel lets callers wait for completion.
//
//	done := async.GoTimeout(ctx, logger, "catalog reload", 30*time.Second, reload)
//	<-done
package async

package proxy

import (
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// relay copies bytes between two established streams in both directions
// until either side reaches end-of-stream, a fatal I/O error occurs, or
// neither direction moves any data for idleTimeout. It is byte
// transparent and symmetric: no protocol awareness on either leg.
//
// Both connections are closed before relay returns, on every exit path.
// Returns the byte counts copied client→target and target→client.
func relay(client, target net.Conn, idleTimeout time.Duration) (up, down int64) {
	if idleTimeout <= 0 {
		idleTimeout = 10 * time.Second
	}

	var lastActivity atomic.Int64
	lastActivity.Store(time.Now().UnixNano())

	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = client.Close()
			_ = target.Close()
		})
	}

	var wg sync.WaitGroup
	copiers := func(src, dst net.Conn, counter *int64) {
		defer wg.Done()
		// End-of-stream or error on either side ends the whole relay.
		defer closeBoth()

		buf := make([]byte, readChunkSize)
		for {
			n, readErr := src.Read(buf)
			if n > 0 {
				lastActivity.Store(time.Now().UnixNano())
				written := 0
				for written < n {
					w, writeErr := dst.Write(buf[written:n])
					written += w
					if writeErr != nil {
						atomic.AddInt64(counter, int64(written))
						return
					}
				}
				atomic.AddInt64(counter, int64(n))
			}
			if readErr != nil {
				return
			}
		}
	}

	wg.Add(2)
	go copiers(client, target, &up)
	go copiers(target, client, &down)

	// Idle watchdog: when no data has moved in either direction within
	// idleTimeout, tear the relay down by closing both legs.
	watchdogDone := make(chan struct{})
	go func() {
		tick := idleTimeout / 4
		if tick < 100*time.Millisecond {
			tick = 100 * time.Millisecond
		}
		ticker := time.NewTicker(tick)
		defer ticker.Stop()
		for {
			select {
			case <-watchdogDone:
				return
			case <-ticker.C:
				idle := time.Since(time.Unix(0, lastActivity.Load()))
				if idle >= idleTimeout {
					closeBoth()
					return
				}
			}
		}
	}()

	wg.Wait()
	close(watchdogDone)
	closeBoth()

	return atomic.LoadInt64(&up), atomic.LoadInt64(&down)
}

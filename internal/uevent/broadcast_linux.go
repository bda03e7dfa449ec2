package uevent

import (
	"net"
	"path/filepath"

	"golang.org/x/sync/errgroup"
)

// Broadcast delivers one synthesized uevent message to every bound event
// socket under the testbed root. This is the sending half of the
// per-descriptor channel scheme: with one socket path per subscriber,
// multicast becomes a fan-out over the bound paths.
func Broadcast(root string, message []byte) error {
	paths, err := filepath.Glob(filepath.Join(root, "event*"))
	if err != nil {
		return err
	}
	g := new(errgroup.Group)
	for _, path := range paths {
		path := path
		g.Go(func() error {
			conn, err := net.Dial("unixgram", path)
			if err != nil {
				return err
			}
			defer conn.Close()
			_, err = conn.Write(message)
			return err
		})
	}
	return g.Wait()
}

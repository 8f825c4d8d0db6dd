package dataplane

import (
	"net"
	"time"

	"varys"
	"varys/throttle"
)

// Fetch pulls the bytes behind desc from its origin. The inbound stream is
// paced by a token bucket at bps (0 = unlimited); onReader, when set, sees
// the live throttle handle before the first byte is read so late rate
// updates can still reach the transfer.
func Fetch(desc varys.FlowDescription, bps int64, timeout time.Duration, onReader func(*throttle.ThrottledReader)) ([]byte, bool, error) {
	conn, err := net.DialTimeout("tcp", string(desc.OriginAddress()), timeout)
	if err != nil {
		return nil, false, varys.Error{Code: varys.ConnectivityError, Err: err.Error()}
	}
	defer conn.Close()

	if err := writeRequest(conn, &desc); err != nil {
		return nil, false, err
	}
	tr := throttle.NewReader(conn, bps)
	if onReader != nil {
		onReader(tr)
	}
	return readOption(tr)
}

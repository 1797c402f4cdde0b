package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
)

var (
	probeBytes   int
	probeTimeout time.Duration
	probeCmd     = &cobra.Command{
		Use:   "probe <proxy> <target>",
		Short: "Measure throughput through a running tunnel",
		Long: `Measure throughput through a running tunnel.

The command opens a CONNECT tunnel to target through proxy, pushes a
number of bytes and prints the rate they were accepted at, along with
any bytes the target sent back.

Examples:
  probe 127.0.0.1:8080 example.com:80
  probe --bytes 10485760 127.0.0.1:8080 speed.example.com:9000`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), probeTimeout)
			defer cancel()
			res, err := probe(ctx, args[0], args[1], probeBytes)
			if err != nil {
				return err
			}
			fmt.Println("Probe: ", args[1], "via", args[0])
			fmt.Println("-------------------")
			fmt.Printf("Sent %d bytes in %s (%.0f B/s)\n", res.Sent, res.Elapsed.Round(time.Millisecond), res.rate())
			fmt.Printf("Received %d bytes\n", res.Received)
			return nil
		},
	}
)

func init() {
	probeCmd.Flags().IntVar(&probeBytes, "bytes", 1<<20, "Bytes to push through the tunnel")
	probeCmd.Flags().DurationVar(&probeTimeout, "timeout", time.Minute, "Give up after this long")
	rootCmd.AddCommand(probeCmd)
}

type probeResult struct {
	Sent     int64
	Received int64
	Elapsed  time.Duration
}

func (r *probeResult) rate() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Sent) / r.Elapsed.Seconds()
}

func probe(ctx context.Context, proxy, target string, size int) (*probeResult, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", proxy)
	if err != nil {
		return nil, fmt.Errorf("dial proxy %s failed: %w", proxy, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	if _, err := fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", target, target); err != nil {
		return nil, err
	}
	br := bufio.NewReader(conn)
	res, err := http.ReadResponse(br, &http.Request{Method: http.MethodConnect})
	if err != nil {
		return nil, fmt.Errorf("read CONNECT response failed: %w", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("proxy refused tunnel: %s", res.Status)
	}

	var received atomic.Int64
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		n, _ := io.Copy(io.Discard, br)
		received.Add(n)
	}()

	chunk := make([]byte, 32*1024)
	for i := range chunk {
		chunk[i] = byte(i)
	}
	start := time.Now()
	var sent int64
	for sent < int64(size) {
		p := chunk
		if left := int64(size) - sent; left < int64(len(p)) {
			p = p[:left]
		}
		n, err := conn.Write(p)
		sent += int64(n)
		if err != nil {
			return nil, fmt.Errorf("write after %d bytes failed: %w", sent, err)
		}
	}
	elapsed := time.Since(start)

	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		cw.CloseWrite()
	}
	select {
	case <-readDone:
	case <-ctx.Done():
		conn.Close()
		<-readDone
	}

	return &probeResult{Sent: sent, Received: received.Load(), Elapsed: elapsed}, nil
}

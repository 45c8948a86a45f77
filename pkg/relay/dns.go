package relay

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"

	"github.com/irctrakz/tunsocks/pkg/logging"
	"github.com/irctrakz/tunsocks/pkg/packet"
)

type dnsJob struct {
	tuple   packet.Tuple
	payload []byte
}

// dnsForwarder answers UDP/53 from the OS by sending each query over a
// protected socket and injecting the reply as if it came from the
// original resolver.
type dnsForwarder struct {
	env     *env
	dialer  NetDialer
	timeout time.Duration
	servers []string

	workers int
	jobs    chan dnsJob
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func newDNSForwarder(e *env, d NetDialer) *dnsForwarder {
	if d == nil {
		d = &net.Dialer{}
	}
	servers := make([]string, 0, len(e.cfg.DNSServers))
	for _, s := range e.cfg.DNSServers {
		if s = strings.TrimSpace(s); s == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(s); err != nil {
			s = net.JoinHostPort(s, "53")
		}
		servers = append(servers, s)
	}
	return &dnsForwarder{
		env:     e,
		dialer:  d,
		timeout: e.cfg.DNSTimeout,
		servers: servers,
		workers: e.cfg.DNSWorkers,
		jobs:    make(chan dnsJob, e.cfg.DNSQueue),
		stopCh:  make(chan struct{}),
	}
}

func (d *dnsForwarder) start() {
	d.wg.Add(d.workers)
	for i := 0; i < d.workers; i++ {
		go d.worker(i)
	}
	logging.Debugf("relay: dns forwarder started with %d workers", d.workers)
}

func (d *dnsForwarder) stop() {
	close(d.stopCh)
	d.wg.Wait()
}

// submit queues a query without blocking; false means it was dropped.
func (d *dnsForwarder) submit(p *packet.Packet) bool {
	job := dnsJob{tuple: p.Tuple(), payload: append([]byte(nil), p.Payload...)}
	select {
	case d.jobs <- job:
		return true
	default:
		logging.Debugf("relay: dns queue full, dropping query from %s", job.tuple.Key())
		return false
	}
}

func (d *dnsForwarder) worker(id int) {
	defer d.wg.Done()
	for {
		select {
		case <-d.stopCh:
			logging.Debugf("relay: dns worker %d stopped", id)
			return
		case job := <-d.jobs:
			d.forward(job)
		}
	}
}

func (d *dnsForwarder) forward(job dnsJob) {
	d.env.stats.dnsQueries.Add(1)

	var query dns.Msg
	parsed := query.Unpack(job.payload) == nil
	if parsed && logging.IsDebug() && len(query.Question) > 0 {
		q := query.Question[0]
		logging.Debugf("relay: dns query id=%d %s %s via %s", query.Id, q.Name, dns.TypeToString[q.Qtype], job.tuple.Destination())
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	conn, err := d.send(ctx, job)
	if err != nil {
		d.env.stats.errors.Add(1)
		logging.Warnf("relay: dns query from %s not sent: %v", job.tuple.Key(), err)
		return
	}
	defer conn.Close()

	deadline, _ := ctx.Deadline()
	_ = conn.SetReadDeadline(deadline)
	buf := getBuf(bufLarge)
	defer putBuf(buf)

	for {
		n, err := conn.Read(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				d.env.stats.dnsTimeouts.Add(1)
				d.env.emit(Event{Kind: EventDNSTimeout, Flow: job.tuple.Key(), Target: job.tuple.Destination().String()})
			} else {
				logging.Debugf("relay: dns read: %v", err)
			}
			return
		}
		if parsed {
			var answer dns.Msg
			if answer.Unpack(buf[:n]) == nil && answer.Id != query.Id {
				logging.Debugf("relay: dns answer id=%d does not match query id=%d, dropped", answer.Id, query.Id)
				continue
			}
		}
		if d.env.inject(packet.UDPResponse(job.tuple, buf[:n])) {
			d.env.stats.dnsAnswers.Add(1)
		}
		return
	}
}

// send writes the query to its original destination, falling back to the
// configured servers when that fails outright.
func (d *dnsForwarder) send(ctx context.Context, job dnsJob) (net.Conn, error) {
	targets := append([]string{job.tuple.Destination().String()}, d.servers...)
	var errs []error
	for _, addr := range targets {
		conn, err := d.dialer.DialContext(ctx, "udp", addr)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, err := conn.Write(job.payload); err != nil {
			conn.Close()
			errs = append(errs, err)
			continue
		}
		return conn, nil
	}
	return nil, errors.Join(errs...)
}

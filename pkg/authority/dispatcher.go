// Package authority implements the TLS Listener and Enrollment Dispatcher:
// the agent-facing front door that accepts one request per connection,
// parses and validates it, and either applies it locally (on a primary)
// or forwards it (on a follower).
package authority

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net"
	"time"

	"github.com/cuemby/enrolld/pkg/config"
	"github.com/cuemby/enrolld/pkg/keystore"
	"github.com/cuemby/enrolld/pkg/log"
	"github.com/cuemby/enrolld/pkg/metrics"
	"github.com/cuemby/enrolld/pkg/parser"
	"github.com/cuemby/enrolld/pkg/types"
)

// Enroller applies a validated enrollment intent and returns the resulting
// credential record. On a primary this mutates the KeyStore directly; on a
// follower it is backed by the Follower Forwarder, which makes the same
// call over the cluster RPC.
type Enroller interface {
	Enroll(ctx context.Context, intent parser.Intent) (*types.CredentialRecord, error)
}

// localEnroller is the primary-side Enroller: it mutates the KeyStore
// in-process and mints a fresh pre-shared key for every accepted request.
type localEnroller struct {
	ks  *keystore.KeyStore
	cfg *config.Config
}

// NewLocalEnroller builds the primary-side Enroller.
func NewLocalEnroller(ks *keystore.KeyStore, cfg *config.Config) Enroller {
	return &localEnroller{ks: ks, cfg: cfg}
}

func (e *localEnroller) Enroll(_ context.Context, intent parser.Intent) (*types.CredentialRecord, error) {
	key, err := generateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	record, err := e.ks.Insert(intent, key, e.cfg.ForceInsertMinAge, e.cfg.MaxAgents, e.cfg.MaxTagCounter, time.Now())
	if err != nil {
		return nil, err
	}
	return record, nil
}

func generateKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Dispatcher parses one request per connection and replies on the wire,
// following the literal OSSEC authd contract: a single
// "OSSEC K:'<id> <name> <ip> <key>'" line followed by a blank line on
// success, or "ERROR: <reason>" followed by a blank line on failure,
// unless CompatDoubleErrorReply restores the legacy double-send.
type Dispatcher struct {
	enroller Enroller
	cfg      *config.Config
}

// NewDispatcher builds a Dispatcher that hands accepted intents to enroller.
func NewDispatcher(enroller Enroller, cfg *config.Config) *Dispatcher {
	return &Dispatcher{enroller: enroller, cfg: cfg}
}

// requestBufSize matches the original authd's single-read contract: a
// request line never exceeds 4096 bytes, but OSSEC_SIZE_4096's group list
// can carry up to 65536 bytes of group names ahead of it.
const requestBufSize = 65536 + 4096

// Handle services one connection end to end: read, parse, enroll, reply,
// close. It never panics on malformed input; every failure after the
// request has been read produces a wire error response, while a failed
// read closes the connection without a reply.
func (d *Dispatcher) Handle(ctx context.Context, conn net.Conn, peerCN string) {
	defer conn.Close()

	l := log.WithRemoteAddr(conn.RemoteAddr().String())
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.DispatchDuration)

	_ = conn.SetDeadline(time.Now().Add(30 * time.Second))

	line, err := readLine(conn)
	if err != nil {
		l.Warn().Err(err).Msg("failed to read request")
		metrics.EnrollmentsTotal.WithLabelValues("read_error").Inc()
		return
	}

	intent, err := parser.Parse(parser.Request{
		Line:       line,
		RemoteAddr: conn.RemoteAddr().String(),
		PeerCertCN: peerCN,
	}, parser.Options{
		Password:  d.cfg.SharedPassword,
		GroupsDir: d.cfg.GroupsDir,
		MaxGroups: d.cfg.MaxGroupsPerMultigroup,
	})
	if err != nil {
		d.reply(conn, fmt.Sprintf("ERROR: %s", err.Error()))
		metrics.EnrollmentsTotal.WithLabelValues("rejected").Inc()
		l.Info().Err(err).Msg("enrollment request rejected")
		return
	}

	record, err := d.enroller.Enroll(ctx, intent)
	if err != nil {
		d.reply(conn, fmt.Sprintf("ERROR: %s", err.Error()))
		metrics.EnrollmentsTotal.WithLabelValues("denied").Inc()
		l.Info().Err(err).Str("name", intent.Name).Msg("enrollment denied")
		return
	}

	ip := record.IP
	if ip == "" {
		ip = "any"
	}
	d.reply(conn, fmt.Sprintf("OSSEC K:'%s %s %s %s'", record.ID, record.Name, ip, record.Key))
	metrics.EnrollmentsTotal.WithLabelValues("accepted").Inc()
	l.Info().Str("agent_id", record.ID).Str("name", record.Name).Msg("agent enrolled")
}

// reply writes resp followed by the blank line the OSSEC wire protocol
// requires to terminate a reply. When CompatDoubleErrorReply is set and
// resp is an error, it is written twice, since some older agents still
// expect the legacy double-send on error replies.
func (d *Dispatcher) reply(conn net.Conn, resp string) {
	_, _ = fmt.Fprintf(conn, "%s\n\n", resp)
	if d.cfg.CompatDoubleErrorReply && len(resp) >= 5 && resp[:5] == "ERROR" {
		_, _ = fmt.Fprintf(conn, "%s\n\n", resp)
	}
}

func readLine(conn net.Conn) (string, error) {
	buf := make([]byte, requestBufSize)
	n, err := conn.Read(buf)
	if err != nil {
		return "", err
	}
	line := string(buf[:n])
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	return line, nil
}

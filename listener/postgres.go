package listener

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"strings"
	"sync/atomic"
	"time"

	pgproto "github.com/jackc/pgproto3/v2"
	"github.com/mevdschee/maxcore/authuser"
	"github.com/mevdschee/maxcore/backendconn"
	"github.com/mevdschee/maxcore/causal"
	"github.com/mevdschee/maxcore/config"
	"github.com/mevdschee/maxcore/errtax"
	"github.com/mevdschee/maxcore/metrics"
	"github.com/mevdschee/maxcore/pool"
	"github.com/mevdschee/maxcore/qc"
	"github.com/mevdschee/maxcore/routeinfo"
	"github.com/mevdschee/maxcore/session"
	wirepg "github.com/mevdschee/maxcore/wire/pg"
)

// PostgresListener serves the Postgres wire protocol, mirroring
// MariaDBListener's structure over the pgproto3-backed codecs in
// wire/pg instead of the hand-rolled wire/mysql framing.
type PostgresListener struct {
	cfg        config.ListenerConfig
	classifier *qc.Classifier
	servers    map[string]*pool.ServerSet
	idle       *pool.IdleCache
	accounts   *authuser.Cache
	RefreshFunc func(ctx context.Context) (*authuser.Snapshot, error)
	connID     uint32
}

// NewPostgresListener builds a listener from configuration, constructing
// one pool.ServerSet per configured backend set.
func NewPostgresListener(cfg config.ListenerConfig, accounts *authuser.Cache) (*PostgresListener, error) {
	classifier, err := qc.New(qc.DialectPostgres, qc.Options{})
	if err != nil {
		return nil, fmt.Errorf("listener: build classifier: %w", err)
	}
	servers := make(map[string]*pool.ServerSet, len(cfg.Backends))
	for name, be := range cfg.Backends {
		servers[name] = pool.NewServerSet(be.Primary, be.Replicas, nil)
	}
	return &PostgresListener{
		cfg:        cfg,
		classifier: classifier,
		servers:    servers,
		idle:       pool.NewIdleCache(),
		accounts:   accounts,
		connID:     1000,
	}, nil
}

func (lst *PostgresListener) Serve(l net.Listener) error {
	for {
		c, err := l.Accept()
		if err != nil {
			return err
		}
		id := atomic.AddUint32(&lst.connID, 1)
		go lst.handle(c, id)
	}
}

func (lst *PostgresListener) ListenAndServe() error {
	tcp, err := net.Listen("tcp", lst.cfg.Listen)
	if err != nil {
		return err
	}
	log.Printf("[postgres] listening on %s", lst.cfg.Listen)
	go func() {
		if err := lst.Serve(tcp); err != nil {
			log.Printf("[postgres] accept loop exited: %v", err)
		}
	}()

	if lst.cfg.Socket != "" {
		if err := os.Remove(lst.cfg.Socket); err != nil && !os.IsNotExist(err) {
			log.Printf("[postgres] warning: could not remove stale socket: %v", err)
		}
		unix, err := net.Listen("unix", lst.cfg.Socket)
		if err != nil {
			return fmt.Errorf("listener: unix socket: %w", err)
		}
		log.Printf("[postgres] listening on %s (unix)", lst.cfg.Socket)
		go func() {
			if err := lst.Serve(unix); err != nil {
				log.Printf("[postgres] unix accept loop exited: %v", err)
			}
		}()
	}
	return nil
}

// backendPGLink pairs a dialed backend connection with its typed codec and
// backend-side state machine.
type backendPGLink struct {
	conn  net.Conn
	codec *wirepg.BackendCodec
	st    *backendconn.Conn
}

// clientPGLink is one accepted Postgres client connection.
type clientPGLink struct {
	conn        net.Conn
	lst         *PostgresListener
	connID      uint32
	sess        *session.Session
	codec       *wirepg.ClientCodec
	backends    map[string]*backendPGLink
	host        string
	startupRaw  []byte   // cached StartupMessage, replayed against later backends
	authReplies [][]byte // cached client auth-reply messages, replayed in order
}

func (lst *PostgresListener) handle(c net.Conn, connID uint32) {
	defer c.Close()

	defaultSet := lst.servers[lst.cfg.Default]
	if defaultSet == nil {
		log.Printf("[postgres] conn %d: no default backend set %q configured", connID, lst.cfg.Default)
		return
	}

	cl := &clientPGLink{
		conn:     c,
		lst:      lst,
		connID:   connID,
		sess:     session.New(connID, lst.classifier, lst.cfg.CausalReads, int(lst.cfg.CausalReadsTimeout.Seconds()), lst.cfg.HistoryPrunePolicy, lst.cfg.HistoryMaxLen, defaultSet, lst.cfg.ShareUserVars),
		backends: make(map[string]*backendPGLink),
	}
	if host, _, err := net.SplitHostPort(c.RemoteAddr().String()); err == nil {
		cl.host = host
	}

	if err := cl.handshake(); err != nil {
		log.Printf("[postgres] conn %d: handshake: %v", connID, err)
		return
	}
	cl.run()
	cl.releaseBackends()
}

func (cl *clientPGLink) releaseBackends() {
	for addr, link := range cl.backends {
		if link.st.State() != backendconn.StateRouting {
			link.conn.Close()
			continue
		}
		link.st.Pool()
		attrs := pool.ConnAttrs{
			User:      cl.sess.User,
			Host:      cl.sess.Host,
			DefaultDB: cl.sess.DB,
		}
		cl.lst.idle.Put(addr, cl.sess.User, attrs, link)
	}
}

// handshake negotiates SSLRequest/GSSEncRequest declines, relays the
// StartupMessage and the authentication exchange byte-for-byte against the
// session's first (master) backend — mirroring the MariaDB listener's
// salt-forwarding pass-through technique, generalized to Postgres's
// Authentication-message state machine instead of a fixed salt packet —
// and caches every message exchanged so a later backend this session
// acquires can be brought through the same exchange (ensureBackend).
func (cl *clientPGLink) handshake() error {
	cl.sess.BeginHandshake()

	addr, err := cl.sess.Acquire(routeinfo.TargetMaster)
	if err != nil {
		return err
	}
	link, err := cl.dialBackend(addr)
	if err != nil {
		return err
	}

	raw, err := wirepg.ReadStartupRaw(cl.conn)
	if err != nil {
		return fmt.Errorf("read startup message: %w", err)
	}
	for {
		_, special := wirepg.StartupCode(raw)
		if !special {
			break
		}
		if _, err := cl.conn.Write([]byte{'N'}); err != nil {
			return err
		}
		raw, err = wirepg.ReadStartupRaw(cl.conn)
		if err != nil {
			return fmt.Errorf("read startup message after ssl decline: %w", err)
		}
	}
	cl.startupRaw = raw
	params := parseStartupParams(raw)
	user, db := params["user"], params["database"]
	cl.sess.BeginAuthenticating(user, cl.host, db)

	if cl.lst.accounts != nil && cl.lst.RefreshFunc != nil {
		if _, ok := cl.lst.accounts.Current().Lookup(user, cl.host); !ok {
			_ = cl.lst.accounts.RequestRefresh(context.Background(), cl.lst.RefreshFunc)
		}
	}

	if _, err := link.conn.Write(raw); err != nil {
		return err
	}

	for {
		msg, err := wirepg.ReadMessageRaw(link.conn)
		if err != nil {
			return fmt.Errorf("read backend auth message: %w", err)
		}
		if _, err := cl.conn.Write(msg); err != nil {
			return err
		}
		switch wirepg.AuthMessageType(msg) {
		case wirepg.MsgErrorResponse:
			cl.sess.AuthFailed(errtax.New(errtax.AuthFail, 0, "28000", "backend authentication failed"))
			metrics.ErrorsByKind.WithLabelValues(errtax.AuthFail.String()).Inc()
			return fmt.Errorf("backend auth failed")
		case wirepg.MsgAuthentication:
			if wirepg.AuthRequiresClientReply(msg) {
				reply, err := wirepg.ReadMessageRaw(cl.conn)
				if err != nil {
					return fmt.Errorf("read client auth reply: %w", err)
				}
				cl.authReplies = append(cl.authReplies, reply)
				if _, err := link.conn.Write(reply); err != nil {
					return err
				}
			}
			continue
		case wirepg.MsgReadyForQuery:
			link.st.Advance() // HANDSHAKING -> ... -> ROUTING (no history on first connect)
			link.st.Advance()
			link.st.Advance()
			link.st.Advance()
			link.st.Advance()
			link.st.Advance()
			link.codec = wirepg.NewBackendCodec(link.conn)
			cl.backends[addr] = link
			cl.codec = wirepg.NewClientCodec(cl.conn)
			cl.sess.AuthSucceeded()
			return nil
		default:
			continue // ParameterStatus, BackendKeyData, NoticeResponse: relay and keep waiting
		}
	}
}

func (cl *clientPGLink) dialBackend(addr string) (*backendPGLink, error) {
	network, dialAddr := "tcp", addr
	if strings.HasPrefix(addr, "unix:") {
		network, dialAddr = "unix", strings.TrimPrefix(addr, "unix:")
	}
	conn, err := net.Dial(network, dialAddr)
	if err != nil {
		return nil, errtax.Wrap(errtax.BackendTransient, err, "dial backend")
	}
	return &backendPGLink{conn: conn, st: backendconn.NewConn(addr)}, nil
}

func (cl *clientPGLink) reuseRequirements(addr string) pool.Requirements {
	return pool.Requirements{
		User:      cl.sess.User,
		Host:      cl.sess.Host,
		DefaultDB: cl.sess.DB,
	}
}

// ensureBackend mirrors the MariaDB listener's idle-cache-then-fresh-dial
// logic (spec.md §4.8), replaying the cached StartupMessage and auth-reply
// sequence from the original handshake against a freshly dialed backend.
// This replay is byte-exact and therefore correct for trust/cleartext/MD5
// authentication; a SCRAM (SASL) exchange is keyed to a per-connection
// server nonce and cannot be replayed this way; sessions authenticated via
// SCRAM are limited to the one backend acquired during handshake until a
// real re-authentication path is built.
func (cl *clientPGLink) ensureBackend(addr string) (*backendPGLink, error) {
	if link, ok := cl.backends[addr]; ok {
		return link, nil
	}

	if handle, mode, ok := cl.lst.idle.Take(addr, cl.reuseRequirements(addr)); ok {
		link := handle.(*backendPGLink)
		if mode == pool.ReuseDirect {
			link.st.Unpool()
			cl.backends[addr] = link
			metrics.ReuseOutcomes.WithLabelValues("direct").Inc()
			metrics.BackendConnections.WithLabelValues(addr, "routing").Inc()
			return link, nil
		}
		link.conn.Close()
	}

	link, err := cl.dialBackend(addr)
	if err != nil {
		return nil, err
	}
	if _, err := link.conn.Write(cl.startupRaw); err != nil {
		link.conn.Close()
		return nil, err
	}
	replyIdx := 0
	for {
		msg, err := wirepg.ReadMessageRaw(link.conn)
		if err != nil {
			link.conn.Close()
			return nil, fmt.Errorf("read new backend auth message: %w", err)
		}
		switch wirepg.AuthMessageType(msg) {
		case wirepg.MsgErrorResponse:
			link.conn.Close()
			return nil, fmt.Errorf("new backend auth failed")
		case wirepg.MsgAuthentication:
			if wirepg.AuthRequiresClientReply(msg) {
				if replyIdx >= len(cl.authReplies) {
					link.conn.Close()
					return nil, fmt.Errorf("no cached auth reply available to replay")
				}
				if _, err := link.conn.Write(cl.authReplies[replyIdx]); err != nil {
					link.conn.Close()
					return nil, err
				}
				replyIdx++
			}
			continue
		case wirepg.MsgReadyForQuery:
			link.codec = wirepg.NewBackendCodec(link.conn)
			goto authenticated
		default:
			continue
		}
	}
authenticated:

	for i := 0; i < 4; i++ { // HANDSHAKING -> ... -> READ_HISTORY
		link.st.Advance()
	}

	if cl.sess.History.Len() > 0 {
		start := time.Now()
		err := backendconn.ReplayHistory(link.st, cl.sess.History, 1, func(payload []byte) (bool, uint16, error) {
			isOK, errCode, _, err := cl.execRaw(link, string(payload))
			return isOK, errCode, err
		})
		metrics.HistoryReplayLatency.Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.HistoryDivergences.Inc()
			link.conn.Close()
			return nil, fmt.Errorf("history replay diverged: %w", err)
		}
	}
	link.st.Advance() // READ_HISTORY -> SEND_DELAYQ
	link.st.Advance() // SEND_DELAYQ -> ROUTING

	cl.backends[addr] = link
	metrics.BackendConnections.WithLabelValues(addr, "routing").Inc()
	return link, nil
}

// execRaw sends sql as a simple Query to link and drains it to completion,
// reporting the final command outcome without relaying anything to a
// client (used for history replay, where the real client sees nothing).
func (cl *clientPGLink) execRaw(link *backendPGLink, sql string) (isOK bool, errCode uint16, txStatus byte, err error) {
	if err := link.codec.Send(&pgproto.Query{String: sql}); err != nil {
		return false, 0, 0, err
	}
	for {
		msg, err := link.codec.Receive()
		if err != nil {
			return false, 0, 0, err
		}
		switch m := msg.(type) {
		case *pgproto.CommandComplete:
			isOK = true
		case *pgproto.ErrorResponse:
			isOK, errCode = false, sqlStateCode(m.Code)
		case *pgproto.ReadyForQuery:
			return isOK, errCode, m.TxStatus, nil
		}
	}
}

// sqlStateCode folds a 5-character Postgres SQLSTATE into the uint16 the
// shared history.Verify comparison expects; this loses precision (two
// different SQLSTATEs can collide) but still distinguishes success from
// failure, which is what divergence detection needs in practice.
func sqlStateCode(sqlState string) uint16 {
	var h uint16
	for i := 0; i < len(sqlState); i++ {
		h = h*31 + uint16(sqlState[i])
	}
	return h
}

func (cl *clientPGLink) run() {
	for {
		msg, err := cl.codec.Receive()
		if err != nil {
			if err != io.EOF {
				log.Printf("[postgres] conn %d: read: %v", cl.connID, err)
			}
			return
		}
		if err := cl.dispatch(msg); err != nil {
			if err == io.EOF {
				return
			}
			log.Printf("[postgres] conn %d: command error: %v", cl.connID, err)
			cl.writeErr(err.Error())
		}
	}
}

func (cl *clientPGLink) dispatch(msg pgproto.FrontendMessage) error {
	switch m := msg.(type) {
	case *pgproto.Terminate:
		cl.sess.Quit()
		return io.EOF
	case *pgproto.Query:
		return cl.handleQuery(m.String)
	case *pgproto.Parse, *pgproto.Bind, *pgproto.Describe, *pgproto.Execute, *pgproto.Sync, *pgproto.Close:
		// Extended query protocol: forwarded to the master backend as-is.
		// Session-command history and causal-read injection operate on
		// whole statements and are not yet wired into this path (no
		// per-portal/statement-name tracking exists in psmap for the
		// Postgres named-statement model).
		return cl.handleExtended(msg)
	default:
		return fmt.Errorf("postgres: message type %T not supported", m)
	}
}

func (cl *clientPGLink) handleQuery(sql string) error {
	start := time.Now()
	dec, err := cl.sess.RouteQuery(sql, nil, qc.CollectEssentials, false)
	if err != nil {
		return err
	}

	addr, err := cl.sess.Acquire(dec.Target)
	if err != nil {
		return err
	}
	link, err := cl.ensureBackend(addr)
	if err != nil {
		return err
	}

	if dec.InjectPrefix != "" {
		outcome, err := cl.sendCausalPrefix(link, dec)
		if err != nil {
			return err
		}
		if outcome.SyntheticError {
			metrics.CausalTimeouts.WithLabelValues("synthetic_error").Inc()
			return cl.writeErr("causal-read wait timed out")
		}
		if outcome.RetryOnMaster {
			metrics.CausalTimeouts.WithLabelValues("retry_on_master").Inc()
			addr, err = cl.sess.Acquire(routeinfo.TargetMaster)
			if err != nil {
				return err
			}
			link, err = cl.ensureBackend(addr)
			if err != nil {
				return err
			}
		}
	}

	isOK, errCode, txStatus, err := cl.execOnBackend(link, sql)
	if err != nil {
		return err
	}

	if dec.Target.Has(routeinfo.TargetAll) {
		id := cl.sess.RecordSessionCommand([]byte(sql), isOK, errCode)
		for a, l := range cl.backends {
			if a == addr {
				continue
			}
			if _, _, _, err := cl.execRaw(l, sql); err != nil {
				log.Printf("[postgres] conn %d: broadcast to %s failed: %v", cl.connID, a, err)
			}
		}
		_ = id
	}

	target := "MASTER"
	switch {
	case dec.Target.Has(routeinfo.TargetSlave):
		target = "SLAVE"
	case dec.Target.Has(routeinfo.TargetAll):
		target = "ALL"
	}
	metrics.QueryTotal.WithLabelValues("postgres", dec.Info.Operation.String(), target).Inc()
	metrics.QueryLatency.WithLabelValues("postgres", target).Observe(time.Since(start).Seconds())

	// ReadyForQuery's transaction-status byte ('I' idle, 'T' in
	// transaction, 'E' failed transaction) is the Postgres wire
	// protocol's equivalent of MariaDB's OK-packet status bits; there is
	// no Postgres wire-level equivalent of SESSION_TRACK_GTIDS, so
	// ObserveWriteResult (spec.md §4.9 LOCAL/UNIVERSAL causal reads) has
	// nothing to feed here. See DESIGN.md for the Postgres causal-read
	// Open Question.
	if isOK {
		inTrans := txStatus == 'T' || txStatus == 'E'
		cl.sess.ApplyTransactionStatus(inTrans, !inTrans, false)
	}
	return nil
}

func (cl *clientPGLink) sendCausalPrefix(link *backendPGLink, dec session.Decision) (causal.Outcome, error) {
	isOK, _, _, err := cl.execRaw(link, dec.InjectPrefix)
	if err != nil {
		return causal.Outcome{}, err
	}
	result := causal.PrefixOK
	if !isOK {
		result = causal.PrefixTimeout
	}
	inTxn := cl.sess.Route.Transaction.TrxActive && cl.sess.Route.Transaction.TrxReadOnly
	return cl.sess.Causal.ResolvePrefix(result, inTxn), nil
}

// execOnBackend sends sql to link as a simple Query and relays every
// message of the response to the client verbatim, returning the final
// command outcome (spec.md §4.5's OK/ERR tracking, generalized to
// Postgres's CommandComplete/ErrorResponse instead of MariaDB's OK/ERR
// packet headers).
func (cl *clientPGLink) execOnBackend(link *backendPGLink, sql string) (isOK bool, errCode uint16, txStatus byte, err error) {
	if err := link.codec.Send(&pgproto.Query{String: sql}); err != nil {
		return false, 0, 0, err
	}
	for {
		msg, err := link.codec.Receive()
		if err != nil {
			return false, 0, 0, err
		}
		if sendErr := cl.codec.Send(msg); sendErr != nil {
			return false, 0, 0, sendErr
		}
		switch m := msg.(type) {
		case *pgproto.CommandComplete:
			isOK = true
		case *pgproto.ErrorResponse:
			isOK, errCode = false, sqlStateCode(m.Code)
		case *pgproto.ReadyForQuery:
			return isOK, errCode, m.TxStatus, nil
		}
	}
}

// handleExtended forwards one extended-query-protocol message to the
// session's master backend and, for Sync (which always provokes a
// ReadyForQuery), relays the backend's response stream back to the client.
func (cl *clientPGLink) handleExtended(msg pgproto.FrontendMessage) error {
	addr, err := cl.sess.Acquire(routeinfo.TargetMaster)
	if err != nil {
		return err
	}
	link, err := cl.ensureBackend(addr)
	if err != nil {
		return err
	}
	if err := link.codec.Send(msg); err != nil {
		return err
	}
	if _, isSync := msg.(*pgproto.Sync); !isSync {
		return nil
	}
	for {
		reply, err := link.codec.Receive()
		if err != nil {
			return err
		}
		if err := cl.codec.Send(reply); err != nil {
			return err
		}
		if _, done := reply.(*pgproto.ReadyForQuery); done {
			return nil
		}
	}
}

func (cl *clientPGLink) writeErr(message string) error {
	metrics.ErrorsByKind.WithLabelValues(errtax.ClientSynthetic.String()).Inc()
	return cl.codec.Send(&pgproto.ErrorResponse{Severity: "ERROR", Code: "58000", Message: message})
}

// parseStartupParams decodes a StartupMessage's null-terminated
// key/value parameter list; raw is the whole message, and the 4-byte
// length prefix and 4-byte protocol version are skipped here.
func parseStartupParams(raw []byte) map[string]string {
	params := map[string]string{}
	if len(raw) < 8 {
		return params
	}
	body := raw[8:]
	pos := 0
	for pos < len(body) && body[pos] != 0 {
		keyStart := pos
		for pos < len(body) && body[pos] != 0 {
			pos++
		}
		key := string(body[keyStart:pos])
		pos++
		if pos >= len(body) {
			break
		}
		valStart := pos
		for pos < len(body) && body[pos] != 0 {
			pos++
		}
		val := string(body[valStart:pos])
		pos++
		params[key] = val
	}
	return params
}

// Package listener accepts client connections for both wire protocols and
// drives them through session, backendconn, and the classifier/router/
// history/causal stack built on top. It plays the role the teacher's
// mariadb.Proxy/postgres.Proxy play: accept loop, handshake, command
// dispatch, backend dialing — generalized from "one fixed backend" to the
// routed, pooled, history-replayed backend set spec.md §4 describes.
package listener

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"strings"
	"sync/atomic"
	"time"

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
	wiremysql "github.com/mevdschee/maxcore/wire/mysql"
)

// MariaDBListener serves the MariaDB wire protocol for one configured set
// of backend server sets.
type MariaDBListener struct {
	cfg       config.ListenerConfig
	classifier *qc.Classifier
	servers   map[string]*pool.ServerSet // backend-set name -> servers
	idle      *pool.IdleCache
	accounts  *authuser.Cache
	// RefreshFunc reloads the account snapshot on an auth mismatch
	// (spec.md §4.3/§7); nil disables the refresh-on-mismatch behavior.
	RefreshFunc func(ctx context.Context) (*authuser.Snapshot, error)
	connID      uint32
}

// NewMariaDBListener builds a listener from configuration, constructing one
// pool.ServerSet per configured backend set (spec.md §4.7/§4.8).
func NewMariaDBListener(cfg config.ListenerConfig, accounts *authuser.Cache) (*MariaDBListener, error) {
	classifier, err := qc.New(qc.DialectMariaDB, qc.Options{})
	if err != nil {
		return nil, fmt.Errorf("listener: build classifier: %w", err)
	}
	servers := make(map[string]*pool.ServerSet, len(cfg.Backends))
	for name, be := range cfg.Backends {
		servers[name] = pool.NewServerSet(be.Primary, be.Replicas, nil)
	}
	return &MariaDBListener{
		cfg:        cfg,
		classifier: classifier,
		servers:    servers,
		idle:       pool.NewIdleCache(),
		accounts:   accounts,
		connID:     1000,
	}, nil
}

// Serve accepts connections on l until it returns an error (typically from
// l.Close during shutdown).
func (lst *MariaDBListener) Serve(l net.Listener) error {
	for {
		c, err := l.Accept()
		if err != nil {
			return err
		}
		id := atomic.AddUint32(&lst.connID, 1)
		go lst.handle(c, id)
	}
}

// ListenAndServe opens the configured TCP (and optional Unix socket)
// listeners and serves them in background goroutines.
func (lst *MariaDBListener) ListenAndServe() error {
	tcp, err := net.Listen("tcp", lst.cfg.Listen)
	if err != nil {
		return err
	}
	log.Printf("[mariadb] listening on %s", lst.cfg.Listen)
	go func() {
		if err := lst.Serve(tcp); err != nil {
			log.Printf("[mariadb] accept loop exited: %v", err)
		}
	}()

	if lst.cfg.Socket != "" {
		if err := os.Remove(lst.cfg.Socket); err != nil && !os.IsNotExist(err) {
			log.Printf("[mariadb] warning: could not remove stale socket: %v", err)
		}
		unix, err := net.Listen("unix", lst.cfg.Socket)
		if err != nil {
			return fmt.Errorf("listener: unix socket: %w", err)
		}
		log.Printf("[mariadb] listening on %s (unix)", lst.cfg.Socket)
		go func() {
			if err := lst.Serve(unix); err != nil {
				log.Printf("[mariadb] unix accept loop exited: %v", err)
			}
		}()
	}
	return nil
}

// backendLink pairs the wire-level connection with its backendconn state
// machine for one backend the session has touched.
type backendLink struct {
	conn net.Conn
	seq  byte
	st   *backendconn.Conn
}

// clientLink is one accepted MariaDB client connection and everything it
// needs to route and forward commands.
type clientLink struct {
	conn     net.Conn
	lst      *MariaDBListener
	connID   uint32
	sess     *session.Session
	backends map[string]*backendLink // address -> link
	salt     []byte
	capability uint32
	status   uint16
	seq      byte
	rawAuth  []byte
	host     string
}

func (lst *MariaDBListener) handle(c net.Conn, connID uint32) {
	defer c.Close()

	defaultSet := lst.servers[lst.cfg.Default]
	if defaultSet == nil {
		log.Printf("[mariadb] conn %d: no default backend set %q configured", connID, lst.cfg.Default)
		return
	}

	cl := &clientLink{
		conn:     c,
		lst:      lst,
		connID:   connID,
		sess:     session.New(connID, lst.classifier, lst.cfg.CausalReads, int(lst.cfg.CausalReadsTimeout.Seconds()), lst.cfg.HistoryPrunePolicy, lst.cfg.HistoryMaxLen, defaultSet, lst.cfg.ShareUserVars),
		backends: make(map[string]*backendLink),
		status:   wiremysql.StatusAutocommit,
	}
	if host, _, err := net.SplitHostPort(c.RemoteAddr().String()); err == nil {
		cl.host = host
	}

	if err := cl.handshake(); err != nil {
		log.Printf("[mariadb] conn %d: handshake: %v", connID, err)
		return
	}
	cl.run()
	cl.releaseBackends()
}

// releaseBackends returns clean ROUTING connections to the listener's idle
// cache for the next session to reuse (spec.md §4.8); anything else is
// closed outright.
func (cl *clientLink) releaseBackends() {
	for addr, link := range cl.backends {
		if link.st.State() != backendconn.StateRouting {
			link.conn.Close()
			continue
		}
		link.st.Pool()
		attrs := pool.ConnAttrs{
			User:         cl.sess.User,
			Host:         cl.sess.Host,
			DefaultDB:    cl.sess.DB,
			Capabilities: cl.capability,
		}
		cl.lst.idle.Put(addr, cl.sess.User, attrs, link)
	}
}

// handshake performs the greeting/auth pass-through against the default
// backend set's primary, mirroring the teacher's salt-forwarding handshake
// (mariadb.go's clientConn.handshake) generalized to the routed backend
// set.
func (cl *clientLink) handshake() error {
	cl.sess.BeginHandshake()

	addr, err := cl.sess.Acquire(routeinfo.TargetMaster)
	if err != nil {
		return err
	}

	link, err := cl.dialBackend(addr)
	if err != nil {
		return err
	}

	greeting, seq, err := wiremysql.ReadPacket(link.conn)
	if err != nil {
		return fmt.Errorf("read backend greeting: %w", err)
	}
	link.seq = seq

	salt, err := parseGreetingSalt(greeting)
	if err != nil {
		return err
	}
	cl.salt = salt

	if _, err := wiremysql.WritePacket(cl.conn, greeting, 0); err != nil {
		return err
	}
	cl.seq = 1

	authPkt, clientSeq, err := wiremysql.ReadPacket(cl.conn)
	if err != nil {
		return fmt.Errorf("read client auth: %w", err)
	}
	cl.seq = clientSeq + 1
	cl.rawAuth = authPkt

	user, db, capability := parseHandshakeResponse(authPkt)
	cl.capability = capability
	cl.sess.BeginAuthenticating(user, cl.host, db)

	if cl.lst.accounts != nil && cl.lst.RefreshFunc != nil {
		if _, ok := cl.lst.accounts.Current().Lookup(user, cl.host); !ok {
			_ = cl.lst.accounts.RequestRefresh(context.Background(), cl.lst.RefreshFunc)
		}
	}

	link.seq++
	if _, err := wiremysql.WritePacket(link.conn, authPkt, link.seq); err != nil {
		return err
	}

	backendResp, respSeq, err := wiremysql.ReadPacket(link.conn)
	if err != nil {
		return fmt.Errorf("read backend auth response: %w", err)
	}
	link.seq = respSeq

	if len(backendResp) > 0 && backendResp[0] == wiremysql.ErrHeader {
		cl.seq++
		wiremysql.WritePacket(cl.conn, backendResp, cl.seq)
		cl.sess.AuthFailed(errtax.New(errtax.AuthFail, 1045, "28000", "backend authentication failed"))
		metrics.ErrorsByKind.WithLabelValues(errtax.AuthFail.String()).Inc()
		return fmt.Errorf("backend auth failed")
	}
	if len(backendResp) > 0 && backendResp[0] == 0xfe {
		return fmt.Errorf("auth switch request not supported")
	}

	cl.seq++
	if _, err := wiremysql.WritePacket(cl.conn, backendResp, cl.seq); err != nil {
		return err
	}

	link.st.Advance() // HANDSHAKING -> AUTHENTICATING -> ... -> ROUTING (no history yet)
	link.st.Advance()
	link.st.Advance()
	link.st.Advance()
	link.st.Advance()
	link.st.Advance()
	cl.backends[addr] = link

	cl.sess.AuthSucceeded()
	return nil
}

func (cl *clientLink) dialBackend(addr string) (*backendLink, error) {
	network, dialAddr := "tcp", addr
	if strings.HasPrefix(addr, "unix:") {
		network, dialAddr = "unix", strings.TrimPrefix(addr, "unix:")
	}
	conn, err := net.Dial(network, dialAddr)
	if err != nil {
		return nil, errtax.Wrap(errtax.BackendTransient, err, "dial backend")
	}
	return &backendLink{conn: conn, st: backendconn.NewConn(addr)}, nil
}

// reuseRequirements describes what this session needs from a pooled
// backend connection (spec.md §4.8).
func (cl *clientLink) reuseRequirements(addr string) pool.Requirements {
	return pool.Requirements{
		User:                 cl.sess.User,
		Host:                 cl.sess.Host,
		DefaultDB:            cl.sess.DB,
		RequiredCapabilities: cl.capability,
	}
}

// ensureBackend returns the link for addr, first checking the listener's
// idle cache for a DIRECT-reusable pooled connection (spec.md §4.8),
// then dialing and replaying session history onto it if this session has
// not used that backend yet (spec.md §4.4 SEND_HISTORY/READ_HISTORY,
// §4.6). A RESET_CONNECTION/CHANGE_USER-only match is taken out of the
// idle cache and closed, and a fresh connection is dialed instead; this
// listener does not drive those backend-side reinitialization round trips.
func (cl *clientLink) ensureBackend(addr string) (*backendLink, error) {
	if link, ok := cl.backends[addr]; ok {
		return link, nil
	}

	if handle, mode, ok := cl.lst.idle.Take(addr, cl.reuseRequirements(addr)); ok {
		link := handle.(*backendLink)
		if mode == pool.ReuseDirect {
			link.st.Unpool()
			cl.backends[addr] = link
			metrics.ReuseOutcomes.WithLabelValues("direct").Inc()
			metrics.BackendConnections.WithLabelValues(addr, "routing").Inc()
			return link, nil
		}
		// Not directly reusable for this session; release it back to its
		// own backend rather than holding a connection this path can't
		// reinitialize, and fall through to a fresh dial.
		link.conn.Close()
	}

	link, err := cl.dialBackend(addr)
	if err != nil {
		return nil, err
	}

	greeting, seq, err := wiremysql.ReadPacket(link.conn)
	if err != nil {
		link.conn.Close()
		return nil, fmt.Errorf("read new backend greeting: %w", err)
	}
	link.seq = seq

	link.seq++
	if _, err := wiremysql.WritePacket(link.conn, cl.rawAuth, link.seq); err != nil {
		link.conn.Close()
		return nil, err
	}
	resp, respSeq, err := wiremysql.ReadPacket(link.conn)
	if err != nil {
		link.conn.Close()
		return nil, err
	}
	link.seq = respSeq
	if len(resp) > 0 && resp[0] == wiremysql.ErrHeader {
		link.conn.Close()
		return nil, fmt.Errorf("new backend auth failed (salt mismatch)")
	}

	for i := 0; i < 4; i++ { // HANDSHAKING -> ... -> READ_HISTORY
		link.st.Advance()
	}

	if cl.sess.History.Len() > 0 {
		start := time.Now()
		err := backendconn.ReplayHistory(link.st, cl.sess.History, 1, func(payload []byte) (bool, uint16, error) {
			link.seq++
			if _, err := wiremysql.WritePacket(link.conn, payload, link.seq); err != nil {
				return false, 0, err
			}
			reply, _, err := wiremysql.ReadPacket(link.conn)
			if err != nil {
				return false, 0, err
			}
			return classifyOutcome(reply)
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

func classifyOutcome(reply []byte) (isOK bool, errCode uint16, err error) {
	if len(reply) == 0 {
		return false, 0, fmt.Errorf("empty backend reply")
	}
	switch reply[0] {
	case wiremysql.OKHeader:
		return true, 0, nil
	case wiremysql.ErrHeader:
		code := uint16(0)
		if len(reply) >= 3 {
			code = uint16(reply[1]) | uint16(reply[2])<<8
		}
		return false, code, nil
	default:
		return true, 0, nil
	}
}

func (cl *clientLink) run() {
	for {
		payload, _, err := wiremysql.ReadPacket(cl.conn)
		if err != nil {
			if err != io.EOF {
				log.Printf("[mariadb] conn %d: read: %v", cl.connID, err)
			}
			return
		}
		if len(payload) == 0 {
			continue
		}
		cl.seq = 0
		cmd, data := payload[0], payload[1:]

		if err := cl.dispatch(cmd, data); err != nil {
			if err == io.EOF {
				return
			}
			log.Printf("[mariadb] conn %d: command error: %v", cl.connID, err)
			cl.writeErr(1105, "HY000", err.Error())
		}
	}
}

func (cl *clientLink) dispatch(cmd byte, data []byte) error {
	switch cmd {
	case wiremysql.ComQuit:
		cl.sess.Quit()
		return io.EOF
	case wiremysql.ComPing:
		return cl.writeOK()
	case wiremysql.ComInitDB:
		return cl.handleQuery(fmt.Sprintf("USE `%s`", string(data)))
	case wiremysql.ComQuery:
		return cl.handleQuery(string(data))
	case wiremysql.ComStmtPrepare:
		return cl.handlePrepare(string(data))
	case wiremysql.ComStmtExecute:
		return cl.handleExecute(data)
	case wiremysql.ComStmtClose:
		if len(data) < 4 {
			return nil
		}
		if err := cl.sess.PS.Close(binary.LittleEndian.Uint32(data)); err != nil {
			log.Printf("[mariadb] conn %d: %v", cl.connID, err)
		}
		return nil // COM_STMT_CLOSE has no reply
	default:
		return fmt.Errorf("command 0x%02x not supported", cmd)
	}
}

func (cl *clientLink) handleQuery(sql string) error {
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
			return cl.writeErr(1317, "70100", "causal-read GTID wait timed out")
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

	reply, res, err := cl.execOnBackend(link, sql)
	if err != nil {
		return err
	}

	if dec.Target.Has(routeinfo.TargetAll) {
		id := cl.sess.RecordSessionCommand([]byte(sql), res.IsOK, res.ErrCode)
		for a, l := range cl.backends {
			if a == addr {
				continue
			}
			if _, _, err := cl.execOnBackend(l, sql); err != nil {
				log.Printf("[mariadb] conn %d: broadcast to %s failed: %v", cl.connID, a, err)
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
	metrics.QueryTotal.WithLabelValues("mariadb", dec.Info.Operation.String(), target).Inc()
	metrics.QueryLatency.WithLabelValues("mariadb", target).Observe(time.Since(start).Seconds())

	if res.IsOK {
		cl.sess.ApplyTransactionStatus(res.InTransaction(), res.Autocommit(), res.ReadOnlyTransaction())
		cl.sess.ObserveWriteResult(res.LastGTID)
	}
	return cl.relay(reply)
}

func (cl *clientLink) sendCausalPrefix(link *backendLink, dec session.Decision) (causal.Outcome, error) {
	link.seq++
	payload := append([]byte{wiremysql.ComQuery}, []byte(dec.InjectPrefix)...)
	if _, err := wiremysql.WritePacket(link.conn, payload, link.seq); err != nil {
		return causal.Outcome{}, err
	}
	reply, seq, err := wiremysql.ReadPacket(link.conn)
	if err != nil {
		return causal.Outcome{}, err
	}
	link.seq = seq
	isOK, _, _ := classifyOutcome(reply)
	result := causal.PrefixOK
	if !isOK {
		result = causal.PrefixTimeout
	}
	inTxn := cl.sess.Route.Transaction.TrxActive && cl.sess.Route.Transaction.TrxReadOnly
	return cl.sess.Causal.ResolvePrefix(result, inTxn), nil
}

// execOnBackend sends sql as a COM_QUERY to link and drains the full
// response, feeding it through a ReplyBuilder so the final OK/ERR outcome
// is known without re-parsing the raw bytes (spec.md §4.5). The returned
// Result is whichever packet closed the reply sequence (OK, ERR, or the
// row-stream terminator), carrying the server status bits and any
// session-tracked GTID the caller needs for transaction/causal bookkeeping.
func (cl *clientLink) execOnBackend(link *backendLink, sql string) (reply []byte, res backendconn.Result, err error) {
	link.seq++
	payload := append([]byte{wiremysql.ComQuery}, []byte(sql)...)
	if _, err := wiremysql.WritePacket(link.conn, payload, link.seq); err != nil {
		return nil, backendconn.Result{}, err
	}

	rb := backendconn.NewReplyBuilder(cl.capability)
	var out []byte
	for {
		pkt, seq, err := wiremysql.ReadPacket(link.conn)
		if err != nil {
			return nil, backendconn.Result{}, err
		}
		link.seq = seq
		cl.seq++
		out = append(out, wiremysql.EncodeHeader(len(pkt), cl.seq)...)
		out = append(out, pkt...)

		res = rb.Feed(pkt)
		if rb.Done() {
			return out, res, nil
		}
	}
}

// handlePrepare routes a PREPARE to every backend the session knows
// (router.Decide always returns TargetAll for a prepare) so a later
// EXECUTE can be sent to whichever backend the execute itself resolves
// to, each carrying its own per-backend statement id (spec.md §4.4,
// §4.7 step 2).
func (cl *clientLink) handlePrepare(sql string) error {
	dec, err := cl.sess.RouteQuery(sql, nil, qc.CollectEssentials, true)
	if err != nil {
		return err
	}
	id := cl.sess.PS.Prepare(0, dec.Info.TypeMask)
	entry, _ := cl.sess.PS.Resolve(id)

	addrs := cl.sess.AcquireAll()
	if len(addrs) == 0 {
		return fmt.Errorf("session: no backend available to prepare against")
	}

	var relayPacket []byte
	for i, addr := range addrs {
		link, err := cl.ensureBackend(addr)
		if err != nil {
			log.Printf("[mariadb] conn %d: prepare: dial %s: %v", cl.connID, addr, err)
			continue
		}

		link.seq++
		payload := append([]byte{wiremysql.ComStmtPrepare}, []byte(sql)...)
		if _, err := wiremysql.WritePacket(link.conn, payload, link.seq); err != nil {
			return err
		}

		rb := backendconn.NewReplyBuilder(cl.capability)
		rb.BeginPrepare()
		first, seq, err := wiremysql.ReadPacket(link.conn)
		if err != nil {
			return err
		}
		link.seq = seq
		res := rb.FeedPrepareOK(first)
		if res.IsErr {
			if i == 0 {
				cl.seq++
				wiremysql.WritePacket(cl.conn, first, cl.seq)
				return nil
			}
			log.Printf("[mariadb] conn %d: prepare on %s errored, statement not bound there", cl.connID, addr)
			continue
		}

		entry.BindBackend(addr, res.PrepareID)
		entry.ParamCount = int(res.ParamCount)

		out := append([]byte{}, first...)
		for !rb.Done() {
			pkt, seq, err := wiremysql.ReadPacket(link.conn)
			if err != nil {
				return err
			}
			link.seq = seq
			rb.Feed(pkt)
			out = append(out, pkt...)
		}
		if relayPacket == nil {
			relayPacket = out
		}
	}

	if relayPacket == nil {
		return fmt.Errorf("session: prepare failed on every backend")
	}

	rewritten := make([]byte, len(relayPacket))
	copy(rewritten, relayPacket)
	binary.LittleEndian.PutUint32(rewritten[1:5], id)

	cl.seq++
	_, err = wiremysql.WritePacket(cl.conn, rewritten, cl.seq)
	return err
}

// handleExecute routes a COM_STMT_EXECUTE the same way its originating
// PREPARE would have classified as an ordinary statement (spec.md §4.4,
// §4.7), splicing in remembered parameter-type metadata when the client
// omits it against a backend that hasn't seen this statement's metadata
// yet (spec.md §4.4 "EXECUTE with omitted metadata").
func (cl *clientLink) handleExecute(data []byte) error {
	if len(data) < 4 {
		return fmt.Errorf("malformed COM_STMT_EXECUTE")
	}
	clientID := binary.LittleEndian.Uint32(data)
	entry, ok := cl.sess.PS.Resolve(clientID)
	if !ok {
		return cl.writeErr(1243, "HY000", "unknown prepared statement handle")
	}

	dec := cl.sess.RouteExecute(entry.TypeMask)

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
			return cl.writeErr(1317, "70100", "causal-read GTID wait timed out")
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

	if _, bound := entry.ExternalID(addr); !bound {
		return fmt.Errorf("statement %d not yet prepared on backend %s", clientID, addr)
	}

	payload := append([]byte{wiremysql.ComStmtExecute}, data...)
	lastMetadata := cl.sess.ExecMetadata(entry.InternalID)
	spliced, captured, err := backendconn.PrepareExecutePacket(payload, cl.sess.PS, addr, entry.ParamCount, lastMetadata)
	if err != nil {
		return err
	}
	if captured != nil {
		cl.sess.RememberExecMetadata(entry.InternalID, captured)
	}
	entry.MarkExecMetaSent(addr)

	link.seq++
	if _, err := wiremysql.WritePacket(link.conn, spliced, link.seq); err != nil {
		return err
	}

	rb := backendconn.NewReplyBuilder(cl.capability)
	var out []byte
	for {
		pkt, seq, err := wiremysql.ReadPacket(link.conn)
		if err != nil {
			return err
		}
		link.seq = seq
		cl.seq++
		out = append(out, wiremysql.EncodeHeader(len(pkt), cl.seq)...)
		out = append(out, pkt...)
		res := rb.Feed(pkt)
		if res.IsOK {
			cl.sess.ApplyTransactionStatus(res.InTransaction(), res.Autocommit(), res.ReadOnlyTransaction())
			cl.sess.ObserveWriteResult(res.LastGTID)
		}
		if rb.Done() {
			break
		}
	}
	return cl.relay(out)
}

func (cl *clientLink) relay(payload []byte) error {
	_, err := cl.conn.Write(payload)
	return err
}

func (cl *clientLink) writeOK() error {
	cl.seq++
	pkt := wiremysql.WriteOKPacket(0, 0, cl.status, cl.capability)
	_, err := wiremysql.WritePacket(cl.conn, pkt, cl.seq)
	return err
}

func (cl *clientLink) writeErr(code uint16, sqlState, msg string) error {
	cl.seq++
	pkt := wiremysql.WriteErrorPacket(code, sqlState, msg, cl.capability)
	_, err := wiremysql.WritePacket(cl.conn, pkt, cl.seq)
	metrics.ErrorsByKind.WithLabelValues(errtax.ClientSynthetic.String()).Inc()
	return err
}

// parseGreetingSalt extracts the 20-byte auth-plugin-data salt from a
// backend's initial handshake packet (protocol version 10), following the
// teacher's clientConn.handshake byte layout.
func parseGreetingSalt(greeting []byte) ([]byte, error) {
	if len(greeting) < 44 {
		return nil, fmt.Errorf("backend greeting too short")
	}
	pos := 1
	for pos < len(greeting) && greeting[pos] != 0 {
		pos++
	}
	pos++
	pos += 4 // connection id
	salt1 := greeting[pos : pos+8]
	pos += 8
	pos++     // filler
	pos += 7  // caps lower, charset, status, caps upper
	authLen := int(greeting[pos])
	pos++
	pos += 10 // reserved
	salt := make([]byte, 20)
	copy(salt[0:8], salt1)
	if authLen > 8 && pos+12 <= len(greeting) {
		copy(salt[8:20], greeting[pos:pos+12])
	}
	return salt, nil
}

// parseHandshakeResponse extracts the username, initial database, and
// capability flags from a client's HandshakeResponse41 packet.
func parseHandshakeResponse(packet []byte) (user, db string, capability uint32) {
	if len(packet) < 32 {
		return "", "", 0
	}
	capability = binary.LittleEndian.Uint32(packet[0:4])
	pos := 4 + 4 + 1 + 23
	if pos >= len(packet) {
		return "", "", capability
	}
	end := pos
	for end < len(packet) && packet[end] != 0 {
		end++
	}
	user = string(packet[pos:end])
	pos = end + 1
	if pos >= len(packet) {
		return user, "", capability
	}
	authLen := int(packet[pos])
	pos++
	pos += authLen
	if capability&wiremysql.ClientConnectWithDB != 0 && pos < len(packet) {
		end = pos
		for end < len(packet) && packet[end] != 0 {
			end++
		}
		db = string(packet[pos:end])
	}
	return user, db, capability
}

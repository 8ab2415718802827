// donor-sim serves a scriptable fake donor replica set over the donor wire
// protocol: one listener per member plus an admin endpoint to kill or
// restore members, fail over, advance the log, and seed transaction
// records. It exists for end-to-end runs of recipientd without a real
// donor.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"tenantmigration"
	"tenantmigration/donor/donortest"
	"tenantmigration/donorwire"
)

var (
	setNameFlag   = flag.String("set-name", "donorSet", "replica set name")
	membersFlag   = flag.Int("members", 3, "number of members")
	hostFlag      = flag.String("host", "127.0.0.1", "address members bind to")
	basePortFlag  = flag.Int("base-port", 27100, "first member port; member i listens on base-port+i")
	adminAddrFlag = flag.String("admin-addr", ":27099", "admin HTTP listen address")
	logLevelFlag  = flag.String("log-level", "info", "log level")
)

func main() {
	flag.Parse()

	level, err := zerolog.ParseLevel(*logLevelFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "parse log level: %v\n", err)
		os.Exit(2)
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).With().Timestamp().Logger()

	if *membersFlag < 1 {
		logger.Fatal().Int("members", *membersFlag).Msg("need at least one member")
	}

	hosts := make([]string, *membersFlag)
	for i := range hosts {
		hosts[i] = net.JoinHostPort(*hostFlag, fmt.Sprint(*basePortFlag+i))
	}
	set := donortest.NewFakeSetWithHosts(*setNameFlag, hosts)
	set.SetLatest(tenantmigration.OpTime{Seconds: 1, Increment: 1, Term: 1})

	var memberServers []*http.Server
	for _, host := range hosts {
		mux := http.NewServeMux()
		mux.Handle("/donor", &donorwire.Server{
			Backend: memberBackend{set: set, host: host, setName: *setNameFlag},
			Logger:  logger.With().Str("member", host).Logger(),
		})
		server := &http.Server{Addr: host, Handler: mux}
		memberServers = append(memberServers, server)
		go func(host string, server *http.Server) {
			logger.Info().Str("member", host).Msg("member_listening")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Fatal().Err(err).Str("member", host).Msg("member_server")
			}
		}(host, server)
	}

	admin := &adminServer{set: set, setName: *setNameFlag, logger: logger}
	adminHTTP := &http.Server{Addr: *adminAddrFlag, Handler: admin.mux()}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, server := range memberServers {
			_ = server.Shutdown(shutdownCtx)
		}
		_ = adminHTTP.Shutdown(shutdownCtx)
	}()

	logger.Info().
		Str("connection_string", set.ConnectionString()).
		Str("admin_addr", *adminAddrFlag).
		Msg("donor_sim_ready")
	if err := adminHTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("admin_server")
	}
}

// memberBackend answers the wire protocol for one member out of the shared
// scripted set. A killed member fails every call, so probes skip it the way
// they would skip an unreachable host.
type memberBackend struct {
	set     *donortest.FakeSet
	host    string
	setName string
}

func (b memberBackend) Hello(context.Context) (donorwire.MemberStatus, error) {
	info, err := b.member()
	if err != nil {
		return donorwire.MemberStatus{}, err
	}
	return donorwire.MemberStatus{
		Host:      info.Host,
		SetName:   b.setName,
		IsPrimary: info.IsPrimary,
		Tags:      info.Tags,
	}, nil
}

func (b memberBackend) LatestPosition(context.Context) (tenantmigration.OpTime, error) {
	if _, err := b.member(); err != nil {
		return tenantmigration.OpTime{}, err
	}
	return b.set.Latest(), nil
}

func (b memberBackend) InProgressTransactions(context.Context) ([]tenantmigration.TransactionRecord, error) {
	if _, err := b.member(); err != nil {
		return nil, err
	}
	var out []tenantmigration.TransactionRecord
	for _, record := range b.set.Transactions() {
		if record.State == tenantmigration.TxnInProgress {
			out = append(out, record)
		}
	}
	return out, nil
}

func (b memberBackend) member() (donortest.MemberInfo, error) {
	info, ok := b.set.Member(b.host)
	if !ok {
		return donortest.MemberInfo{}, fmt.Errorf("unknown member %s", b.host)
	}
	if info.Down {
		return donortest.MemberInfo{}, fmt.Errorf("member %s is down", b.host)
	}
	return info, nil
}

// hostParam reads the ?host= parameter, accepting either a full host:port
// or a bare port on the simulator's bind address.
func (a *adminServer) hostParam(r *http.Request) (string, bool) {
	host := strings.TrimSpace(r.URL.Query().Get("host"))
	if host == "" {
		return "", false
	}
	if !strings.Contains(host, ":") {
		host = net.JoinHostPort(*hostFlag, host)
	}
	if _, ok := a.set.Member(host); !ok {
		return "", false
	}
	return host, true
}

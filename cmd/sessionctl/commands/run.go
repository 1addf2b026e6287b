package commands

import (
	"context"
	"encoding/hex"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opd-ai/mixsession"
	"github.com/opd-ai/mixsession/bridge"
	"github.com/opd-ai/mixsession/contact"
	"github.com/opd-ai/mixsession/engine"
	"github.com/opd-ai/mixsession/file"
	"github.com/opd-ai/mixsession/friendly"
	"github.com/opd-ai/mixsession/group"
	"github.com/opd-ai/mixsession/sharedkv"
	"github.com/opd-ai/mixsession/simulation"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// run: a simulated session with a scripted peer, logging every stream.
func runCmd() *cobra.Command {
	var duration, latency time.Duration
	var passphrase string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a session against the simulated engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}
			return runSession(ctx, latency, passphrase)
		},
	}
	cmd.Flags().DurationVar(&duration, "duration", 0, "stop after this long (default: until interrupted)")
	cmd.Flags().DurationVar(&latency, "latency", 500*time.Millisecond, "simulated network latency")
	cmd.Flags().StringVarP(&passphrase, "backup-passphrase", "p", "", "start an encrypted backup with this passphrase")
	return cmd
}

func runSession(ctx context.Context, latency time.Duration, passphrase string) error {
	if cfg.Metrics.Enabled {
		srv := serveMetrics(cfg.Metrics.Listen)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	options := mixsession.NewOptions()
	options.Config = cfg
	options.Logger = log
	options.Username = "sessionctl"
	options.CrashReporter = crashReporter()
	if addr := cfg.SharedStore.RedisAddr; addr != "" {
		rs, err := sharedkv.NewRedisStore(ctx, addr)
		if err != nil {
			return err
		}
		defer rs.Close()
		options.Shared = rs
	}

	sim := simulation.NewEngine(simulation.Config{
		Registered:   95,
		Total:        100,
		GroupStatus:  engine.GroupPartialSent,
		ResendStatus: engine.GroupAllSucceeded,
		Async:        true,
		Latency:      latency,
		Logger:       log,
	})
	peer := simulation.NewContact([]byte("simulated-peer"), engine.Fact{Type: engine.FactUsername, Value: "peer"})
	sim.AddUser(peer)

	s, err := mixsession.New(sim, options)
	if err != nil {
		return err
	}
	subscribe(ctx, s)

	if err := s.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := s.Stop(); err != nil {
			log.WithField("error", err.Error()).Error("Stop failed")
		}
	}()

	if passphrase != "" {
		h, err := s.InitializeBackup(passphrase)
		if err != nil {
			return err
		}
		h.Updates().Subscribe(func(blob []byte) {
			log.WithField("bytes", len(blob)).Info("Backup updated")
		})
		defer h.Stop()
	}

	if _, err := s.AddContact(ctx, contact.FromRecord(peer, time.Now())); err != nil {
		log.WithField("error", err.Error()).Warn("Contact request failed")
	}
	if _, err := s.CreateGroup(ctx, []byte("demo"), []byte("welcome"), [][]byte{peer.ID}); err != nil {
		log.WithField("error", err.Error()).Warn("Group creation incomplete")
	}
	sim.RefreshPreimages([]engine.Preimage{{Data: s.ReceptionID(), Type: "default", Source: s.ReceptionID()}})
	if passphrase != "" {
		_ = sim.ChangeState([]byte("demo state"))
	}

	<-ctx.Done()
	log.Info("Shutting down")
	return nil
}

// subscribe logs every stream and answers the scripted peer.
func subscribe(ctx context.Context, s *mixsession.Session) {
	s.NetworkStatus().Subscribe(func(healthy bool) {
		log.WithField("healthy", healthy).Info("Network status")
	})
	s.Confirmations().Subscribe(func(c *contact.Contact) {
		log.WithField("contact_id", hex.EncodeToString(c.ID)).Info("Contact confirmed")
		go sendAndTrack(ctx, s, c.ID)
	})
	s.Requests().Subscribe(func(c *contact.Contact) {
		log.WithField("contact_id", hex.EncodeToString(c.ID)).Info("Contact request")
	})
	s.Resets().Subscribe(func(c *contact.Contact) {
		log.WithField("contact_id", hex.EncodeToString(c.ID)).Info("Contact reset")
	})
	s.Messages().Subscribe(func(m mixsession.Message) {
		log.WithFields(logrus.Fields{
			"sender_id": hex.EncodeToString(m.SenderID),
			"text":      m.Text,
		}).Info("Message")
	})
	s.GroupMessages().Subscribe(func(m mixsession.GroupMessage) {
		log.WithFields(logrus.Fields{
			"group_id": hex.EncodeToString(m.GroupID),
			"text":     m.Text,
		}).Info("Group message")
	})
	s.GroupRequests().Subscribe(func(g *group.Group) {
		log.WithField("group", string(g.Name)).Info("Group invitation")
	})
	s.IncomingTransfers().Subscribe(func(t file.Transfer) {
		log.WithField("file_name", t.FileName).Info("Incoming transfer")
	})
	s.BackendEvents().Subscribe(func(e bridge.ClientError) {
		log.WithFields(logrus.Fields{"source": e.Source, "message": e.Message}).Warn("Engine error")
	})
	s.Preimages().Subscribe(func(p []engine.Preimage) {
		log.WithField("count", len(p)).Info("Preimages refreshed")
	})
}

func sendAndTrack(ctx context.Context, s *mixsession.Session, to []byte) {
	report, err := s.Send(ctx, to, "hello from sessionctl", nil)
	if err != nil {
		log.WithField("error", err.Error()).Warn("Send failed")
		return
	}
	r := <-s.ListenDelivery(report)
	log.WithFields(logrus.Fields{
		"message_id": hex.EncodeToString(report.MessageID),
		"outcome":    r.Outcome.String(),
	}).Info("Delivery")
}

func crashReporter() friendly.CrashReporter {
	return friendly.CrashReporterFunc(func(err error, fields map[string]string) {
		log.WithFields(logrus.Fields{
			"error":     err.Error(),
			"operation": fields["operation"],
		}).Error("Crash report")
	})
}

func serveMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithField("error", err.Error()).Error("Metrics server failed")
		}
	}()
	log.WithField("listen", addr).Info("Serving metrics")
	return srv
}

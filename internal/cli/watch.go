package cli

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/dkeye/Stage/internal/adapters/controlapi"
	"github.com/dkeye/Stage/internal/adapters/rtc"
	"github.com/dkeye/Stage/internal/adapters/surface"
	"github.com/dkeye/Stage/internal/app/orch"
	"github.com/dkeye/Stage/internal/app/presence"
	"github.com/dkeye/Stage/internal/app/render"
	"github.com/dkeye/Stage/internal/domain"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	watchID      int64
	watchAutoEnd bool

	presentID     int64
	presentName   string
	presentScreen bool
	presentEnd    bool
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Join as audience and log the layout",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSession(cmd, orch.Config{
			Session: session(),
			Self:    domain.ParticipantID(watchID),
			Role:    domain.RoleViewer,
		}, watchAutoEnd)
	},
}

var presentCmd = &cobra.Command{
	Use:   "present",
	Short: "Join as a presenter with idle capture tracks",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSession(cmd, orch.Config{
			Session:     session(),
			Self:        domain.ParticipantID(presentID),
			DisplayName: presentName,
			Role:        domain.RolePresenter,
		}, true)
	},
}

func init() {
	watchCmd.Flags().Int64Var(&watchID, "id", 0, "audience identifier, unique in the session")
	watchCmd.Flags().BoolVar(&watchAutoEnd, "auto-end", false, "end the broadcast once no presenter is live")
	_ = watchCmd.MarkFlagRequired("id")

	presentCmd.Flags().Int64Var(&presentID, "id", 0, "presenter base identifier")
	presentCmd.Flags().StringVar(&presentName, "name", domain.DefaultDisplayName, "display name")
	presentCmd.Flags().BoolVar(&presentScreen, "screen", false, "share a screen after joining")
	presentCmd.Flags().BoolVar(&presentEnd, "end-on-exit", false, "end the broadcast on exit instead of leaving")
	_ = presentCmd.MarkFlagRequired("id")

	rootCmd.AddCommand(watchCmd, presentCmd)
}

func newOrchestrator(oc orch.Config, host *surface.LogHost) (*orch.Orchestrator, error) {
	oc.AppID = cfg.AppID
	oc.Render = render.Options{RetryAttempts: cfg.Render.RetryAttempts, RetryDelay: cfg.Render.RetryDelay}
	oc.SubscribeTimeout = cfg.Client.SubscribeTimeout
	deps := orch.Deps{
		Transports: rtc.Factory(rtc.ClientConfig{ServerURL: serverURL, WebRTC: rtc.WebRTCConfig(cfg.ICEServers)}),
		Tokens:     client,
		Presence:   client,
		Broadcasts: client,
		Surfaces:   host,
		Audio:      surface.NewLogPlayer(),
		Guard:      orch.NewIdentifierGuard(cfg.Screen.Quiescence, nil),
		Directory:  presence.NewDirectory(),
	}
	if oc.Role == domain.RolePresenter {
		deps.Capture = &rtc.StaticCapture{Generate: true}
	}
	return orch.New(oc, deps)
}

// runSession joins one session and runs until interrupted, the broadcast
// ends, or the connection is lost.
func runSession(cmd *cobra.Command, oc orch.Config, autoEnd bool) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	host := surface.NewLogHost()
	o, err := newOrchestrator(oc, host)
	if err != nil {
		return err
	}
	defer o.Wait()

	if err := o.Join(ctx); err != nil {
		return fmt.Errorf("join: %w", err)
	}
	if oc.Role == domain.RolePresenter && presentScreen {
		if err := o.StartScreenShare(ctx); err != nil {
			log.Warn().Err(err).Str("module", "stagectl").Msg("screen share not started")
		}
	}

	var policy presence.CameraPolicy
	if oc.Role == domain.RolePresenter && cfg.Policy.AutoDisableCamera {
		policy = o
	}
	ctrl := presence.NewController(oc.Session, client, policy)

	g, gctx := errgroup.WithContext(ctx)
	ended := make(chan struct{})
	ctrl.OnEnded(func() { close(ended) })
	if !autoEnd {
		ctrl.MarkEnded()
	}
	g.Go(func() error {
		err := ctrl.Run(gctx, controlapi.NewPushFeed(serverURL), o.ObservePresence)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		return watchLayout(gctx, cmd, o, host, ended)
	})
	err = g.Wait()

	if oc.Role == domain.RolePresenter && presentEnd && o.State() == orch.StatePublishing {
		endCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if endErr := o.EndBroadcast(endCtx); endErr != nil {
			log.Error().Err(endErr).Str("module", "stagectl").Msg("end broadcast")
		}
	}
	o.Close()
	if errors.Is(err, errSessionOver) {
		return nil
	}
	return err
}

var errSessionOver = errors.New("session over")

// watchLayout prints the surfaces whenever they change.
func watchLayout(ctx context.Context, cmd *cobra.Command, o *orch.Orchestrator, host *surface.LogHost, ended <-chan struct{}) error {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	var last []string
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ended:
			fmt.Fprintln(cmd.OutOrStdout(), "broadcast ended")
			return errSessionOver
		case <-ticker.C:
		}
		if o.State() == orch.StateDisconnected {
			fmt.Fprintln(cmd.OutOrStdout(), "disconnected")
			return errSessionOver
		}
		var now []string
		for _, v := range host.Views() {
			now = append(now, v.String())
		}
		if o.Autoplay().Pending() {
			now = append(now, "audio blocked")
		}
		if !slices.Equal(now, last) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %v\n", time.Now().Format("15:04:05"), now)
			last = now
		}
	}
}

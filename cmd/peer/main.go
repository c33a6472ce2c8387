// Command peer joins a call as one party from a headless machine: it captures
// local devices (or synthetic media with -static), negotiates with the other
// party over the shared signaling store and optionally records the call.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"campus-calls/internal/audit"
	"campus-calls/internal/calls"
	"campus-calls/internal/callstack"
	"campus-calls/internal/config"
	"campus-calls/internal/dispatch"
	"campus-calls/internal/media"
	"campus-calls/internal/notify"
	"campus-calls/internal/participant"
	"campus-calls/internal/realtime"
	"campus-calls/internal/recording"
	"campus-calls/internal/signaling"
	"campus-calls/pkg/logger"
	"campus-calls/pkg/utils"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
)

func main() {
	callID := flag.String("call", "", "call id to join")
	userID := flag.String("user", "", "user id of this party")
	record := flag.Bool("record", false, "record the microphone and attach it to the call")
	static := flag.Bool("static", false, "send synthetic media instead of opening devices")
	video := flag.Duration("video-after", 0, "turn the camera on this long after joining (0 keeps it off)")
	flag.Parse()

	_ = godotenv.Load()

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}
	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if *callID == "" || *userID == "" {
		log.Error("-call and -user are required")
		os.Exit(2)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{MaxOpenConns: 4})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr(), PoolSize: 4})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	var capt media.Capturer = media.StaticCapturer{}
	if !*static {
		dc, err := media.NewDeviceCapturer(log)
		if err != nil {
			log.Error("device capture unavailable", "err", err)
			os.Exit(1)
		}
		capt = dc
	}

	blobs, err := recording.NewFSStore(cfg.Recordings.Dir, cfg.RecordingsBaseURL())
	if err != nil {
		log.Error("recording store init failed", "err", err)
		os.Exit(1)
	}

	bus := realtime.NewRedisBus(rdb, log)
	notifier := notify.NewService(bus, log)
	defer notifier.Close()
	// This process never initiates calls, so no answer timeouts are armed
	// here. Its hangups still go to the audit trail and free the responder.
	stack := callstack.New(callstack.Stores{
		Calls:    calls.NewPostgresRepo(db),
		Audit:    audit.NewPostgresRepo(db),
		Settings: dispatch.NewPostgresSettings(db),
		Busy:     dispatch.NewRedisBusy(rdb, cfg.Calls.BusyTTL),
	}, bus, notifier, log)
	callSvc := stack.Calls
	defer callSvc.Close()

	p := participant.New(participant.Config{
		CallID: *callID,
		UserID: *userID,
		Media: media.Config{
			ICEServers: cfg.Calls.STUNURLs,
			Audio:      media.DefaultAudioConstraints(),
		},
		Record: *record,
	}, participant.Deps{
		Calls:    callSvc,
		Signals:  signaling.NewTransport(signaling.NewPostgresStore(db), bus, log),
		Bus:      bus,
		Capturer: capt,
		Notifier: notifier,
		Blobs:    blobs,
		Log:      log,
	})

	if err := p.Join(rootCtx); err != nil {
		log.Error("join failed", "call_id", *callID, "err", err)
		os.Exit(1)
	}
	log.Info("joined call", "call_id", *callID, "role", p.Role())

	var videoC <-chan time.Time
	if *video > 0 {
		videoC = time.After(*video)
	}

	for {
		select {
		case <-p.Done():
			log.Info("call over", "call_id", *callID, "voice_note_url", p.VoiceNoteURL())
			return
		case <-videoC:
			videoC = nil
			if on, err := p.ToggleVideo(rootCtx); err != nil {
				log.Warn("toggle video failed", "err", err)
			} else {
				log.Info("video toggled", "on", on)
			}
		case <-rootCtx.Done():
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := p.Hangup(ctx); err != nil {
				log.Warn("hangup failed", "err", err)
			}
			select {
			case <-p.Done():
			case <-ctx.Done():
			}
			cancel()
			return
		}
	}
}

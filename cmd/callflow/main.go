package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/protei/callflow/internal/logger"
	"github.com/protei/callflow/pkg/config"
	"github.com/protei/callflow/pkg/database"
	"github.com/protei/callflow/pkg/decoder"
	"github.com/protei/callflow/pkg/engine"
	"github.com/protei/callflow/pkg/gtptunnel"
	"github.com/protei/callflow/pkg/storage"
	"github.com/protei/callflow/pkg/volte"
	"github.com/protei/callflow/pkg/web"
)

// inputMessage is the JSONL ingestion shape: the decoder contract with
// the capture timestamp in float seconds.
type inputMessage struct {
	FrameNumber uint32                 `json:"frame_number"`
	Timestamp   float64                `json:"timestamp"`
	SrcIP       string                 `json:"src_ip"`
	SrcPort     uint16                 `json:"src_port"`
	DstIP       string                 `json:"dst_ip"`
	DstPort     uint16                 `json:"dst_port"`
	Transport   string                 `json:"transport"`
	Protocol    string                 `json:"protocol"`
	MessageType string                 `json:"message_type"`
	Fields      map[string]interface{} `json:"fields"`
	Key         decoder.CorrelationKey `json:"correlation_key"`
	PayloadSize int                    `json:"payload_size"`
}

func main() {
	configPath := flag.String("config", "callflow.yaml", "configuration file")
	inputPath := flag.String("input", "-", "parsed-message JSONL input, - for stdin")
	summaryOnly := flag.Bool("summary", false, "print only the correlation summary")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// Run with defaults when no config file is present
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(logger.Config{
		Path:       cfg.Logging.Path,
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logging: %v\n", err)
		os.Exit(1)
	}
	log := logger.Get().WithComponent("main")

	eng := engine.New(engine.Config{
		Volte: volte.Config{
			TimeTolerance:      time.Duration(cfg.Correlation.VolteTimeToleranceMs) * time.Millisecond,
			CxShTolerance:      time.Duration(cfg.Correlation.CxShToleranceS) * time.Second,
			MsisdnSuffixDigits: cfg.Correlation.MsisdnSuffixDigits,
		},
		Tunnel: gtptunnel.Config{
			ActivityTimeout: time.Duration(cfg.Tunnels.ActivityTimeoutS) * time.Second,
			MaxTunnels:      cfg.Tunnels.MaxTunnels,
		},
		ProcedureRetention: time.Duration(cfg.Procedures.RetentionS) * time.Second,
	})

	ingested, err := ingest(eng, *inputPath)
	if err != nil {
		log.Fatal("ingestion failed", err)
	}
	log.Info("ingestion finished", "messages", ingested)

	eng.Finalize()
	flows := eng.Correlate()
	log.Info("correlation finished", "flows", len(flows))

	if err := writeOutputs(cfg, eng, flows, *summaryOnly); err != nil {
		log.Error("failed to write outputs", err)
	}

	if cfg.Server.Enabled {
		serve(cfg, eng, flows, log)
	}
}

// ingest reads JSONL messages and feeds them into the engine.
func ingest(eng *engine.Engine, path string) (int, error) {
	var in *os.File
	if path == "-" {
		in = os.Stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return 0, fmt.Errorf("failed to open input: %w", err)
		}
		defer f.Close()
		in = f
	}

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 1024*1024), 16*1024*1024)

	count := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var raw inputMessage
		if err := json.Unmarshal(line, &raw); err != nil {
			logger.Debug("skipping undecodable input line", "error", err.Error())
			continue
		}

		eng.Ingest(&decoder.Message{
			FrameNumber: raw.FrameNumber,
			Timestamp:   decoder.FromCaptureSeconds(raw.Timestamp),
			SrcIP:       raw.SrcIP,
			SrcPort:     raw.SrcPort,
			DstIP:       raw.DstIP,
			DstPort:     raw.DstPort,
			Transport:   raw.Transport,
			Protocol:    decoder.Protocol(raw.Protocol),
			MessageType: decoder.MessageType(raw.MessageType),
			Fields:      raw.Fields,
			Key:         raw.Key,
			PayloadSize: raw.PayloadSize,
		})
		count++
	}

	return count, scanner.Err()
}

func writeOutputs(cfg *config.Config, eng *engine.Engine, flows []*volte.CallFlow, summaryOnly bool) error {
	if summaryOnly {
		return json.NewEncoder(os.Stdout).Encode(volte.SummaryJSON(flows))
	}

	if cfg.Storage.FlowsEnabled || cfg.Storage.CDREnabled {
		store, err := storage.New(storage.Config{
			FlowsEnabled: cfg.Storage.FlowsEnabled,
			FlowsPath:    cfg.Storage.FlowsPath,
			CDREnabled:   cfg.Storage.CDREnabled,
			CDRPath:      cfg.Storage.CDRPath,
			MaxSizeMB:    cfg.Storage.MaxSizeMB,
			Compress:     cfg.Storage.Compress,
		})
		if err != nil {
			return err
		}
		defer store.Close()

		for _, flow := range flows {
			if err := store.WriteFlow(flow); err != nil {
				return err
			}
		}
	}

	if cfg.Database.Enabled {
		db, err := database.New(database.Config{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			Database: cfg.Database.Database,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			SSLMode:  cfg.Database.SSLMode,
			MaxConns: cfg.Database.MaxConns,
			MaxIdle:  cfg.Database.MaxIdle,
		})
		if err != nil {
			return err
		}
		defer db.Close()

		ctx := context.Background()
		for _, flow := range flows {
			if err := db.PersistFlow(ctx, flow); err != nil {
				return err
			}
		}
		for _, sub := range eng.Subscribers.AllContexts() {
			if err := db.PersistSubscriber(ctx, sub); err != nil {
				return err
			}
		}
	}

	return nil
}

func serve(cfg *config.Config, eng *engine.Engine, flows []*volte.CallFlow, log *logger.Logger) {
	auth := web.NewAuthService(web.AuthConfig{
		JWTSecret:   cfg.Server.JWTSecret,
		TokenExpiry: time.Duration(cfg.Server.TokenExpiryMin) * time.Minute,
	})

	server := web.New(web.Config{Addr: cfg.GetAddr(), Auth: auth}, eng.VoLTE)

	go func() {
		if err := server.Start(); err != nil {
			log.Error("web server stopped", err)
		}
	}()

	for _, flow := range flows {
		server.BroadcastFlow(flow)
	}

	// Periodic maintenance of GTP tunnels and procedure retention
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-ticker.C:
			eng.Tunnels.CheckTimeouts()
			eng.CleanupProcedures()
		case <-sigs:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			server.Stop(ctx)
			return
		}
	}
}

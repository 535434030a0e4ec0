package cmd

import (
	"context"
	"log/slog"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/spf13/cobra"
	"github.com/wkalt/cstore/service"
	"github.com/wkalt/cstore/storage"
)

var (
	serverPort                 int
	serverLogLevel             string
	serverDBPath               string
	serverCommitLogDir         string
	serverCommitLogSegmentMB   int64
	serverSyncCommitLog        bool
	serverSchemaFile           string
	serverFlushWorkers         int
	serverMemtableSpaceMB      int64
	serverMemtableCleanupRatio float64
	serverWriteTimeout         time.Duration
	serverShutdownTimeout      time.Duration
	serverPprofAddr            string
	serverSharedKey            string
	allowedOrigins             []string

	// Directory storage provider options
	serverDataDir string

	// S3 storage provider options
	serverS3Endpoint  string
	serverS3AccessKey string
	serverS3SecretKey string
	serverS3Bucket    string
	serverS3Prefix    string
	serverS3UseTLS    bool
	serverS3Region    string
)

func parseLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "", "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		bailf("invalid log level: %s", s)
	}
	return slog.LevelInfo
}

func storageProvider() storage.Provider {
	s3requested := serverS3Endpoint != "" ||
		serverS3AccessKey != "" ||
		serverS3SecretKey != "" ||
		serverS3Bucket != ""
	if serverDataDir != "" && s3requested {
		bailf("cannot specify both --data-dir and S3 options")
	}
	if serverDataDir == "" && !s3requested {
		bailf("must specify either --data-dir or S3 options")
	}
	if serverDataDir != "" {
		return storage.NewDirectoryStore(serverDataDir)
	}
	mc, err := minio.New(serverS3Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(serverS3AccessKey, serverS3SecretKey, ""),
		Secure: serverS3UseTLS,
		Region: serverS3Region,
	})
	if err != nil {
		bailf("error creating S3 client: %s", err)
	}
	return storage.NewS3Store(mc, serverS3Bucket, serverS3Prefix)
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the cstore server",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		svc := service.NewCStoreService()
		opts := []service.Option{
			service.WithPort(serverPort),
			service.WithLogLevel(parseLogLevel(serverLogLevel)),
			service.WithStorageProvider(storageProvider()),
			service.WithDatabasePath(serverDBPath),
			service.WithCommitLogDir(serverCommitLogDir),
			service.WithCommitLogSegmentMegabytes(serverCommitLogSegmentMB),
			service.WithSyncCommitLog(serverSyncCommitLog),
			service.WithSchemaFile(serverSchemaFile),
			service.WithFlushWorkers(serverFlushWorkers),
			service.WithMemtableSpaceMegabytes(serverMemtableSpaceMB),
			service.WithMemtableCleanupRatio(serverMemtableCleanupRatio),
			service.WithWriteTimeout(serverWriteTimeout),
			service.WithShutdownTimeout(serverShutdownTimeout),
			service.WithPprofAddr(serverPprofAddr),
			service.WithSharedKey(serverSharedKey),
		}
		if len(allowedOrigins) > 0 {
			opts = append(opts, service.WithAllowedOrigins(allowedOrigins))
		}
		if err := svc.Start(ctx, opts...); err != nil {
			bailf("Shutdown error: %s", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)

	flags := serverCmd.PersistentFlags()
	flags.IntVarP(&serverPort, "port", "p", 8089, "Port to listen on")
	flags.StringVarP(&serverDataDir, "data-dir", "d", "", "Data directory (for directory storage)")
	flags.StringVarP(&serverDBPath, "db-path", "", "cstore.db", "catalog database location")
	flags.StringVarP(&serverCommitLogDir, "commitlog-dir", "", "commitlog", "Commit log directory")
	flags.Int64VarP(&serverCommitLogSegmentMB, "commitlog-segment-size", "", 32, "Commit log segment size in megabytes")
	flags.BoolVarP(&serverSyncCommitLog, "commitlog-sync", "", false, "Sync the commit log on every write")
	flags.StringVarP(&serverSchemaFile, "schema", "s", "", "Schema file declaring keyspaces to open")
	flags.IntVarP(&serverFlushWorkers, "flush-workers", "", 2, "Flush workers")
	flags.Int64VarP(&serverMemtableSpaceMB, "memtable-space", "m", 256, "Memtable space in megabytes")
	flags.Float64VarP(&serverMemtableCleanupRatio, "memtable-cleanup-ratio", "", 0.5,
		"Fraction of memtable space in use that triggers a flush")
	flags.DurationVarP(&serverWriteTimeout, "write-timeout", "", 2*time.Second, "Write lock acquisition timeout")
	flags.DurationVarP(&serverShutdownTimeout, "shutdown-timeout", "", 10*time.Second,
		"Time allowed for connections to close on shutdown")
	flags.StringVarP(&serverPprofAddr, "pprof-addr", "", "", "Address to serve pprof on")
	flags.StringVarP(&serverLogLevel, "log-level", "l", "info", "Log level")
	flags.StringVarP(&serverSharedKey, "shared-key", "", "", "shared authentication key")

	flags.StringSliceVarP(&allowedOrigins, "allowed-origins", "o", []string{}, "Allowed origins")

	flags.StringVar(&serverS3Endpoint, "s3-endpoint", "", "S3 endpoint (for S3 storage)")
	flags.StringVar(&serverS3AccessKey, "s3-access-key-id", "", "S3 access key ID (for S3 storage)")
	flags.StringVar(&serverS3SecretKey, "s3-secret-key", "", "S3 secret key (for S3 storage)")
	flags.StringVar(&serverS3Bucket, "s3-bucket", "", "S3 bucket (for S3 storage)")
	flags.StringVar(&serverS3Prefix, "s3-prefix", "", "Object prefix within the S3 bucket")
	flags.BoolVarP(&serverS3UseTLS, "s3-tls", "t", false, "Use TLS (for S3 storage)")
	flags.StringVar(&serverS3Region, "s3-region", "", "S3 region")
}

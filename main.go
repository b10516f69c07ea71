package main

import (
	"bufio"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"wizzd/config"
	"wizzd/db"
	"wizzd/server"

	"github.com/spf13/cobra"
)

const controlSocketPath = "/tmp/wizzd.sock"

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "wizzd",
		Short:         "Binary-protocol chat message-routing server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd(), versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var (
		port       int
		dbPath     string
		storageDir string
		adminAddr  string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()

			// Flags override the environment.
			if cmd.Flags().Changed("port") {
				cfg.Port = port
			}
			if cmd.Flags().Changed("db") {
				cfg.DBPath = dbPath
			}
			if cmd.Flags().Changed("storage") {
				cfg.StorageDir = storageDir
			}
			if cmd.Flags().Changed("admin") {
				cfg.AdminAddr = adminAddr
			}

			return runServer(cfg)
		},
	}

	cmd.Flags().IntVar(&port, "port", 3217, "TCP port to listen on")
	cmd.Flags().StringVar(&dbPath, "db", "wizzd.db", "path to the sqlite database")
	cmd.Flags().StringVar(&storageDir, "storage", "storage", "directory for voice and avatar blobs")
	cmd.Flags().StringVar(&adminAddr, "admin", "", "admin HTTP listen address (empty disables)")

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("wizzd %s (%s)\n", version, commit)
		},
	}
}

func runServer(cfg *config.Config) error {
	database, err := db.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	srvConfig := &server.ServerConfig{
		Port:         cfg.Port,
		ReadTimeout:  time.Duration(cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeout) * time.Second,
		StorageDir:   cfg.StorageDir,
	}

	srv, err := server.New(database, srvConfig)
	if err != nil {
		return err
	}

	go startControlSocket(srv)

	if cfg.AdminAddr != "" {
		go func() {
			log.Printf("Admin HTTP listening on %s", cfg.AdminAddr)
			if err := http.ListenAndServe(cfg.AdminAddr, srv.AdminRouter()); err != nil {
				log.Printf("Admin HTTP error: %v", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Printf("Received signal %v, shutting down...", sig)
		srv.Shutdown("maintenance")
		os.Remove(controlSocketPath)
		os.Exit(0)
	}()

	return srv.Start()
}

func startControlSocket(srv *server.Server) {
	os.Remove(controlSocketPath)

	listener, err := net.Listen("unix", controlSocketPath)
	if err != nil {
		log.Printf("Failed to create control socket: %v", err)
		return
	}
	defer listener.Close()
	defer os.Remove(controlSocketPath)

	log.Printf("Control socket listening on %s", controlSocketPath)

	for {
		conn, err := listener.Accept()
		if err != nil {
			continue
		}

		go handleControlCommand(srv, conn)
	}
}

func handleControlCommand(srv *server.Server, conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		return
	}

	line = strings.TrimSpace(line)
	parts := strings.SplitN(line, "|", 2)

	switch parts[0] {
	case "stats":
		conn.Write([]byte("OK|" + srv.GetStats() + "\n"))

	case "shutdown":
		reason := "maintenance"
		if len(parts) >= 2 && parts[1] != "" {
			reason = parts[1]
		}

		conn.Write([]byte("OK|Shutting down\n"))
		conn.Close()

		log.Printf("Shutdown requested: reason=%s", reason)
		srv.Shutdown(reason)

		os.Remove(controlSocketPath)
		os.Exit(0)

	default:
		conn.Write([]byte("ERROR|Unknown command\n"))
	}
}

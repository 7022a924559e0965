// Copyright 2026 The biasrouter Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package main provides the entry point for the biasrouter server. The
// server evaluates each incoming message against the routing rule database
// and recommends a completion engine, balancing bias avoidance, declared
// capability goals, and benchmark performance.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/traylinx/biasrouter/internal/api"
	"github.com/traylinx/biasrouter/internal/buildinfo"
	"github.com/traylinx/biasrouter/internal/config"
	"github.com/traylinx/biasrouter/internal/embedding"
	"github.com/traylinx/biasrouter/internal/evaluate"
	"github.com/traylinx/biasrouter/internal/feedback"
	"github.com/traylinx/biasrouter/internal/logging"
	"github.com/traylinx/biasrouter/internal/router"
	"github.com/traylinx/biasrouter/internal/rules"
)

func init() {
	logging.Setup()
}

func main() {
	var (
		host         = flag.String("host", "", "network host to bind (empty binds all interfaces)")
		port         = flag.Int("port", 8317, "network port to listen on")
		rulesPath    = flag.String("rules", "config/routing_rules.json", "path to the routing rule database")
		settingsPath = flag.String("settings", "config/settings.yaml", "path to the settings file")
		modelPath    = flag.String("model", "", "path to the ONNX embedding model (empty disables semantic detection)")
		vocabPath    = flag.String("vocab", "", "path to the embedding vocabulary file")
		onnxLib      = flag.String("onnx-lib", "", "path to the ONNX runtime shared library")
		feedbackPath = flag.String("feedback-db", "data/feedback.db", "path to the feedback SQLite database")
		logToFile    = flag.Bool("log-to-file", false, "write logs to rotating files instead of stdout")
		debug        = flag.Bool("debug", false, "enable debug logging")
		watchRules   = flag.Bool("watch", true, "reload the rule database when the file changes")
		showVersion  = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("biasrouter %s (%s, built %s)\n",
			buildinfo.Version, buildinfo.Commit, buildinfo.BuildDate)
		return
	}

	if wd, err := os.Getwd(); err == nil {
		if err := godotenv.Load(filepath.Join(wd, ".env")); err == nil {
			log.Info("Loaded environment from .env")
		}
	}

	if *debug {
		log.SetLevel(log.DebugLevel)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	if err := logging.ConfigureOutput(*logToFile, "logs"); err != nil {
		log.Fatalf("Failed to configure log output: %v", err)
	}

	settings, err := config.NewStore(*settingsPath)
	if err != nil {
		log.Fatalf("Failed to load settings: %v", err)
	}

	catalog, err := rules.NewCatalog(*rulesPath)
	if err != nil {
		// A database that fails validation must prevent routing from starting.
		log.Fatalf("Failed to load rule database: %v", err)
	}

	// The embedding engine is optional: without a model, detection runs on
	// keywords and dog whistles only.
	var embedSvc embedding.Service
	var engine *embedding.Engine
	if *modelPath != "" {
		engine, err = embedding.NewEngine(embedding.Config{
			ModelPath:         *modelPath,
			VocabPath:         *vocabPath,
			SharedLibraryPath: *onnxLib,
		})
		if err != nil {
			log.Fatalf("Invalid embedding configuration: %v", err)
		}
		embedSvc = engine
	}

	precomputeCtx, cancelPrecompute := context.WithCancel(context.Background())
	defer cancelPrecompute()
	if embedSvc != nil {
		go catalog.EmbedRules(precomputeCtx, embedSvc, 0)
		catalog.SetReloadHook(func(*rules.Database) {
			go catalog.EmbedRules(precomputeCtx, embedSvc, 0)
		})
	}

	if *watchRules {
		if err := catalog.Watch(); err != nil {
			log.Warnf("Rule database watching disabled: %v", err)
		}
	}

	collector, err := feedback.NewCollector(*feedbackPath, 90)
	if err != nil {
		log.Fatalf("Failed to create feedback collector: %v", err)
	}
	if err := collector.Initialize(); err != nil {
		log.Warnf("Feedback collection disabled: %v", err)
		collector = nil
	}

	evaluator := evaluate.NewEvaluator(embedSvc)
	orchestrator := router.New(catalog, settings, evaluator)

	server := api.NewServer(orchestrator, catalog, settings, collector)
	orchestrator.SetDecisionHook(func(decision *router.Decision, message string) {
		server.Feed().Broadcast(decision)
		if collector != nil {
			collector.Record(feedback.Record{
				Timestamp:          decision.Timestamp,
				DecisionID:         decision.ID,
				Prompt:             message,
				RoutingDestination: decision.RecommendedEngine,
				RoutingRationale:   decision.Reasoning,
				DetectionMethods:   decision.DetectionMethods,
			})
		}
	})

	ginEngine := gin.New()
	ginEngine.Use(gin.Recovery())
	server.Routes(ginEngine)

	addr := fmt.Sprintf("%s:%d", *host, *port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           ginEngine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Infof("biasrouter %s listening on %s", buildinfo.Version, addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down")

	cancelPrecompute()
	catalog.StopWatching()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warnf("HTTP shutdown: %v", err)
	}

	if collector != nil {
		if err := collector.Shutdown(); err != nil {
			log.Warnf("Feedback shutdown: %v", err)
		}
	}
	if engine != nil {
		if err := engine.Shutdown(); err != nil {
			log.Warnf("Embedding shutdown: %v", err)
		}
	}
}

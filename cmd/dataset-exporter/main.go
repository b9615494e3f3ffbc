package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	datasetexporter "github.com/menta2k/dataset-exporter"
	"github.com/menta2k/dataset-exporter/internal/config"
	"github.com/menta2k/dataset-exporter/internal/logger"
	"github.com/menta2k/dataset-exporter/internal/utils"
	"github.com/menta2k/dataset-exporter/pkg/ftp"
)

func main() {
	var in, outDir, name, imageRoot, cfgPath, format string
	var stageDir, logLevel, logFile string
	var publish, noArchive, writeConfig bool

	flag.StringVar(&in, "in", "", "directory of labelme .json/.csv annotation records")
	flag.StringVar(&cfgPath, "config", "", "config file (yaml|json|toml); env DATASET_EXPORTER_* overrides it")
	flag.StringVar(&outDir, "out", "", "export root (default from config: ./export)")
	flag.StringVar(&name, "name", "", "dataset base name, used in file names and remote prefixes")
	flag.StringVar(&imageRoot, "images", "", "directory imagePath is relative to (default: the record's directory)")
	flag.StringVar(&format, "format", "", "crop output format: png|webp")
	flag.BoolVar(&noArchive, "noarchive", false, "skip building the export archive")

	flag.BoolVar(&publish, "publish", false, "upload the export to the configured FTP server")
	flag.StringVar(&stageDir, "stage", "", "staging directory for publishing (default: <out>/.stage)")

	flag.StringVar(&logLevel, "loglevel", "", "log level: debug|info|warn|error")
	flag.StringVar(&logFile, "logfile", "", "append log output to this file")
	flag.BoolVar(&writeConfig, "writeconfig", false, "write the effective config to -config (or the default path) and exit")

	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatal(err)
	}
	applyFlags(cfg, outDir, name, imageRoot, format, logLevel, logFile, noArchive, publish)

	if writeConfig {
		path := cfgPath
		if path == "" {
			path = config.GetConfigPath()
		}
		if err := cfg.SaveToFile(path); err != nil {
			log.Fatal(err)
		}
		log.Printf("wrote %s", path)
		return
	}

	if in == "" {
		log.Fatalf("usage: %s -in labels/ [-out export/] [-name dataset] [-images dir] [-format png|webp] [-publish] [-config file]", filepath.Base(os.Args[0]))
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	lg := logger.New(os.Stderr, logger.ParseLevel(cfg.Log.Level))
	if cfg.Log.File != "" {
		lg, err = logger.NewWithFile(cfg.Log.File, logger.ParseLevel(cfg.Log.Level))
		if err != nil {
			log.Fatal(err)
		}
	}
	defer lg.Close()

	exp := datasetexporter.NewWithOptions(datasetexporter.OptionsFromConfig(cfg), lg)

	summary, err := exp.ExportDir(in)
	if err != nil {
		lg.Errorf("export failed: %v", err)
		os.Exit(1)
	}
	printSummary(summary)

	if !cfg.Remote.Enabled {
		return
	}

	if stageDir == "" {
		stageDir = cfg.Remote.StageDir
	}
	if stageDir == "" {
		stageDir = filepath.Join(cfg.Export.Root, ".stage")
	}

	ctx := context.Background()
	remote, err := ftp.NewClient(ctx, ftp.Options{
		Host:        cfg.Remote.Host,
		Port:        cfg.Remote.Port,
		User:        cfg.Remote.User,
		Password:    cfg.Remote.Password,
		Timeout:     time.Duration(cfg.Remote.TimeoutSeconds) * time.Second,
		DisableEPSV: cfg.Remote.DisableEPSV,
	})
	if err != nil {
		lg.Errorf("remote connection failed: %v", err)
		os.Exit(1)
	}
	defer remote.Close()

	res, err := exp.Publish(ctx, remote, cfg.Remote.BasePath, stageDir)
	if err != nil {
		lg.Errorf("publish failed: %v", err)
		os.Exit(1)
	}
	fmt.Printf("uploaded %d files to %s%s (%d failed, %d skipped)\n",
		len(res.Uploaded), remote.Addr(), cfg.Remote.BasePath, len(res.Failed), len(res.Skipped))
	for _, f := range res.Failed {
		fmt.Printf("  failed: %s -> %s: %v\n", f.Local, f.Remote, f.Err)
	}
}

// applyFlags lets non-empty flags override the loaded configuration
func applyFlags(cfg *config.Config, outDir, name, imageRoot, format, logLevel, logFile string, noArchive, publish bool) {
	if outDir != "" {
		cfg.Export.Root = outDir
	}
	if name != "" {
		cfg.Export.Name = name
	}
	if imageRoot != "" {
		cfg.Export.ImageRoot = imageRoot
	}
	if format != "" {
		cfg.Cropper.Format = format
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFile != "" {
		cfg.Log.File = logFile
	}
	if noArchive {
		cfg.Archive.Enabled = false
	}
	if publish {
		cfg.Remote.Enabled = true
	}
}

func printSummary(s datasetexporter.Summary) {
	fmt.Printf("images: %d  annotations: %d  categories: %d  crops: %d\n",
		s.Images, s.Annotations, s.Categories, s.Crops)
	fmt.Printf("skipped records: %d  skipped images: %d  skipped shapes: %d  skipped crops: %d\n",
		len(s.SkippedRecords), len(s.SkippedImages), s.SkippedShapes, s.SkippedJobs)
	for _, r := range s.SkippedRecords {
		fmt.Printf("  record: %s\n", r)
	}
	for _, r := range s.SkippedImages {
		fmt.Printf("  image: %s: %v\n", r.ImagePath, r.Err)
	}
	fmt.Printf("descriptor: %s\n", s.DescriptorPath)
	if s.ArchivePath != "" {
		size := "?"
		if info, err := os.Stat(s.ArchivePath); err == nil {
			size = utils.FormatFileSize(info.Size())
		}
		fmt.Printf("archive: %s (%s)\n", s.ArchivePath, size)
	}
}

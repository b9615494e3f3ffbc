// Package publisher uploads a staged export tree to a remote file store.
//
// The local tree has two top-level folders: data/ for descriptors, raw
// records and archives, and image/ for origin images (directly inside) and
// cropped regions (in image/<label>/). Every file is routed onto the remote
// taxonomy and uploaded as <baseName>_<file>. Publishing is best-effort: a
// failed directory or upload is logged and counted, and the walk goes on.
package publisher

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/menta2k/dataset-exporter/pkg/client"
	"github.com/menta2k/dataset-exporter/pkg/types"
)

// FailedUpload records a file that could not be published
type FailedUpload struct {
	Local  string
	Remote string
	Err    error
}

// Result summarizes one Publish call
type Result struct {
	Uploaded    []string
	Failed      []FailedUpload
	Skipped     []string
	DirsCreated int
}

// Publisher routes and uploads files over a RemoteClient
type Publisher struct {
	client   client.RemoteClient
	basePath string
	router   *Router
	logger   types.Logger
}

// New creates a publisher rooted at basePath on the remote side
func New(c client.RemoteClient, basePath string, router *Router, logger types.Logger) *Publisher {
	if router == nil {
		router = NewRouter()
	}
	base := strings.TrimRight(basePath, "/")
	if base == "" {
		base = "/"
	}
	return &Publisher{client: c, basePath: base, router: router, logger: types.OrNop(logger)}
}

// RemoteDir returns the absolute remote path of a taxonomy folder
func (p *Publisher) RemoteDir(dir string) string {
	return path.Join(p.basePath, dir)
}

// Publish walks localRoot and uploads every routable file. Only context
// cancellation and an unreadable localRoot are returned as errors.
func (p *Publisher) Publish(ctx context.Context, localRoot, baseName string) (Result, error) {
	var res Result
	run := &session{Publisher: p, ctx: ctx, known: make(map[string]bool), res: &res}

	if info, err := os.Stat(localRoot); err != nil || !info.IsDir() {
		return res, fmt.Errorf("publish root %s is not a directory", localRoot)
	}

	err := filepath.WalkDir(localRoot, func(local string, d fs.DirEntry, err error) error {
		if err != nil {
			p.logger.Errorf("cannot read %s: %v", local, err)
			return nil
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}

		rel, _ := filepath.Rel(localRoot, local)
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}

		if d.IsDir() {
			if !strings.Contains(rel, "/") && !IsTopLevel(rel) {
				p.logger.Warnf("unexpected folder %s, ignored", rel)
				return filepath.SkipDir
			}
			return nil
		}

		dir, ok := p.router.Route(rel)
		if !ok {
			p.logger.Debugf("no remote route for %s, skipped", rel)
			res.Skipped = append(res.Skipped, rel)
			return nil
		}
		run.upload(local, dir, baseName+"_"+d.Name())
		return nil
	})
	if err != nil {
		return res, err
	}

	p.logger.Infof("published %d files to %s (%d failed, %d skipped, %d directories created)",
		len(res.Uploaded), p.basePath, len(res.Failed), len(res.Skipped), res.DirsCreated)
	return res, nil
}

// session holds the state of one Publish call
type session struct {
	*Publisher
	ctx   context.Context
	known map[string]bool
	res   *Result
}

func (s *session) upload(local, dir, name string) {
	remoteDir := s.RemoteDir(dir)
	remote := path.Join(remoteDir, name)

	if err := s.ensureDir(dir); err != nil {
		s.fail(local, remote, err)
		return
	}
	if err := s.client.ChangeDir(s.ctx, remoteDir); err != nil {
		s.fail(local, remote, fmt.Errorf("%w: %v", types.ErrRemoteDirectory, err))
		return
	}

	f, err := os.Open(local)
	if err != nil {
		s.fail(local, remote, fmt.Errorf("%w: %v", types.ErrRemoteUpload, err))
		return
	}
	defer f.Close()

	if err := s.client.Store(s.ctx, remote, f); err != nil {
		s.fail(local, remote, fmt.Errorf("%w: %v", types.ErrRemoteUpload, err))
		return
	}
	s.logger.Infof("uploaded %s", remote)
	s.res.Uploaded = append(s.res.Uploaded, remote)
}

// ensureDir makes every component of dir exist below the base path. Existing
// directories are entered, never recreated.
func (s *session) ensureDir(dir string) error {
	current := s.basePath
	for _, part := range strings.Split(dir, "/") {
		if part == "" {
			continue
		}
		current = path.Join(current, part)
		if s.known[current] {
			continue
		}

		exists, err := s.client.DirectoryExists(s.ctx, current)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", types.ErrRemoteDirectory, current, err)
		}
		if !exists {
			if err := s.client.MakeDir(s.ctx, current); err != nil {
				return fmt.Errorf("%w: create %s: %v", types.ErrRemoteDirectory, current, err)
			}
			s.logger.Infof("created remote directory %s", current)
			s.res.DirsCreated++
		}
		s.known[current] = true
	}
	return nil
}

func (s *session) fail(local, remote string, err error) {
	s.logger.Errorf("upload of %s failed: %v", local, err)
	s.res.Failed = append(s.res.Failed, FailedUpload{Local: local, Remote: remote, Err: err})
}

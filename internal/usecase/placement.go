package usecase

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/semmidev/backt/internal/domain"
)

type UploadTarget struct {
	Name    string
	Storage domain.Storage
}

// LocalStorage is the destination directory an artifact is moved into.
type LocalStorage interface {
	domain.Storage
	GetPath(filename string) string
	Move(ctx context.Context, localPath, remoteName string) (string, error)
}

// DestinationFunc opens the destination directory named by a request.
type DestinationFunc func(dir string) (LocalStorage, error)

// CodecResolver returns the compressor whose extension ends name, or nil.
type CodecResolver func(name string) domain.Compressor

type StorageObserver interface {
	ObserveStorage(operation, target string, err error)
}

// Placement turns a strategy's raw artifact into one file in the destination
// directory, optionally compressed, and pushes it to the upload targets.
type Placement struct {
	destination   DestinationFunc
	uploadTargets []UploadTarget
	compressor    domain.Compressor
	codecFor      CodecResolver
	observer      StorageObserver
	logger        Logger
}

func NewPlacement(
	destination DestinationFunc,
	uploadTargets []UploadTarget,
	compressor domain.Compressor,
	codecFor CodecResolver,
	observer StorageObserver,
	logger Logger,
) *Placement {
	if codecFor == nil {
		codecFor = func(string) domain.Compressor { return nil }
	}
	return &Placement{
		destination:   destination,
		uploadTargets: uploadTargets,
		compressor:    compressor,
		codecFor:      codecFor,
		observer:      observer,
		logger:        logger,
	}
}

// Place packs result.BackupFilePath, moves it into the request's destination and
// updates the result with the final path and size. Upload failures are logged
// and reported in the result details; they do not fail the backup.
func (p *Placement) Place(ctx context.Context, req domain.BackupRequest, workDir string, result *domain.BackupResult) error {
	source := result.BackupFilePath
	info, err := os.Stat(source)
	if err != nil {
		return fmt.Errorf("stat artifact: %w", err)
	}

	var codec domain.Compressor
	if req.Compress {
		codec = p.compressor
	}

	packed := source
	switch {
	case info.IsDir():
		packed = filepath.Join(workDir, filepath.Base(source)+".tar"+extension(codec))
		if err := writeTar(source, packed, codec); err != nil {
			return fmt.Errorf("archive %s: %w", filepath.Base(source), err)
		}
		result.Details["archive"] = "tar"
	case codec != nil:
		packed = source + codec.Extension()
		if err := codec.Compress(source, packed); err != nil {
			return fmt.Errorf("compression: %w", err)
		}
	}
	if codec != nil {
		result.Details["compression"] = codec.Name()
		result.Details["raw_size_bytes"] = strconv.FormatInt(result.SizeInBytes, 10)
	}

	local, err := p.destination(req.DestinationDirectory)
	if err != nil {
		return fmt.Errorf("open destination: %w", err)
	}
	filename := filepath.Base(packed)
	finalPath, err := local.Move(ctx, packed, filename)
	if err != nil {
		return fmt.Errorf("local upload: %w", err)
	}

	finalInfo, err := os.Stat(finalPath)
	if err != nil {
		return fmt.Errorf("stat placed artifact: %w", err)
	}
	result.BackupFilePath = finalPath
	result.SizeInBytes = finalInfo.Size()
	p.logger.Infof("[%s] Artifact placed at %s (%.2f MB)", req.DatabaseName, finalPath, float64(finalInfo.Size())/(1024*1024))

	if len(p.uploadTargets) > 0 {
		p.uploadToTargets(ctx, req.DatabaseName, finalPath, filename, result)
	}
	return nil
}

func (p *Placement) uploadToTargets(ctx context.Context, dbName, filePath, filename string, result *domain.BackupResult) {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		uploaded []string
		failed   []string
	)

	for _, target := range p.uploadTargets {
		wg.Add(1)
		go func(t UploadTarget) {
			defer wg.Done()

			p.logger.Infof("[%s] Uploading to %s...", dbName, t.Name)
			err := t.Storage.Upload(ctx, filePath, filename)
			if p.observer != nil {
				p.observer.ObserveStorage("upload", t.Name, err)
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				p.logger.Errorf("[%s] Failed to upload to %s: %v", dbName, t.Name, err)
				failed = append(failed, t.Name)
				return
			}
			p.logger.Infof("[%s] Successfully uploaded to %s", dbName, t.Name)
			uploaded = append(uploaded, t.Name)
		}(target)
	}

	wg.Wait()
	if len(uploaded) > 0 {
		result.Details["uploaded_to"] = strings.Join(uploaded, ",")
	}
	if len(failed) > 0 {
		result.Details["upload_failed"] = strings.Join(failed, ",")
	}
}

// Unpack reverses Place for a restore: it returns a path the engine's restore
// tool can read, extracting into workDir when the artifact is compressed or tarred.
func (p *Placement) Unpack(artifactPath, workDir string) (string, error) {
	name := filepath.Base(artifactPath)
	codec := p.codecFor(name)
	trimmed := strings.TrimSuffix(name, extension(codec))

	if strings.HasSuffix(trimmed, ".tar") {
		target := filepath.Join(workDir, strings.TrimSuffix(trimmed, ".tar"))
		if err := readTar(artifactPath, workDir, codec); err != nil {
			return "", fmt.Errorf("extract %s: %w", name, err)
		}
		return target, nil
	}
	if codec == nil {
		return artifactPath, nil
	}

	target := filepath.Join(workDir, trimmed)
	if err := codec.Decompress(artifactPath, target); err != nil {
		return "", fmt.Errorf("decompress %s: %w", name, err)
	}
	return target, nil
}

func extension(codec domain.Compressor) string {
	if codec == nil {
		return ""
	}
	return codec.Extension()
}

// writeTar archives dir with its base name as the root entry.
func writeTar(dir, dest string, codec domain.Compressor) (err error) {
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
	}()

	var w io.Writer = out
	if codec != nil {
		cw, werr := codec.NewWriter(out)
		if werr != nil {
			return werr
		}
		defer func() {
			if cerr := cw.Close(); err == nil {
				err = cerr
			}
		}()
		w = cw
	}

	tw := tar.NewWriter(w)
	defer func() {
		if cerr := tw.Close(); err == nil {
			err = cerr
		}
	}()

	root := filepath.Dir(dir)
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() && !info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
}

func readTar(src, dest string, codec domain.Compressor) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	var r io.Reader = in
	if codec != nil {
		cr, err := codec.NewReader(in)
		if err != nil {
			return err
		}
		defer cr.Close()
		r = cr
	}

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if !filepath.IsLocal(hdr.Name) {
			return fmt.Errorf("unsafe entry %q", hdr.Name)
		}

		target := filepath.Join(dest, filepath.FromSlash(hdr.Name))
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := extractFile(tr, target, hdr.FileInfo().Mode().Perm()); err != nil {
				return err
			}
		}
	}
}

func extractFile(r io.Reader, target string, perm fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

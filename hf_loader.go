package mtbert

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"k8s.io/klog/v2"
)

// PrepareData downloads every task file the run needs that is missing under
// root, fetching {baseURL}/{task}/{split}.tsv.
func PrepareData(ctx context.Context, root, baseURL string, multiTask bool) error {
	for _, s := range requiredDatasets(multiTask) {
		path := datasetFile(root, s.task, s.split)
		if _, err := os.Stat(path); err == nil {
			continue
		} else if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		if baseURL == "" {
			return fmt.Errorf("%s is missing and no data url is configured", path)
		}
		url := strings.TrimSuffix(baseURL, "/") + "/" + s.task.Tag() + "/" + string(s.split) + ".tsv"
		if err := downloadFile(ctx, path, url); err != nil {
			return fmt.Errorf("download %s: %w", url, err)
		}
	}
	return nil
}

// downloadFile fetches url into outputPath, writing through a temporary
// file so an interrupted download leaves nothing behind.
func downloadFile(ctx context.Context, outputPath, url string) error {
	klog.Infof("downloading %s", url)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to get file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	if err := os.MkdirAll(filepath.Dir(outputPath), os.ModePerm); err != nil {
		return err
	}
	tmp := outputPath + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create file %s: %w", tmp, err)
	}
	n, err := io.Copy(out, &progressReader{r: resp.Body, total: resp.ContentLength, name: filepath.Base(outputPath)})
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write %s: %w", outputPath, err)
	}
	klog.Infof("downloaded %s (%d bytes)", outputPath, n)
	return os.Rename(tmp, outputPath)
}

// progressReader logs every tenth of a known-length download.
type progressReader struct {
	r      io.Reader
	total  int64
	read   int64
	logged int64
	name   string
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read += int64(n)
	if p.total > 0 {
		if decile := p.read * 10 / p.total; decile > p.logged {
			p.logged = decile
			klog.V(1).Infof("%s: %.0f%% complete", p.name, float64(p.read)/float64(p.total)*100)
		}
	}
	return n, err
}

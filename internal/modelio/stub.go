// Package modelio provides the file-backed model artifacts the
// Inference Engine depends on (spec §1's "two files on disk, each an
// opaque serialised neural graph" external collaborator) and a stub
// DetectorBackend/CaptionerBackend pair that validates those
// artifacts are present and readable at startup. The concrete forward
// pass is declared out of this module's scope by spec §1; swapping in
// a real on-device runtime means implementing
// inference.DetectorBackend/CaptionerBackend against the same model
// paths, the same way credential.EnvResolver documents itself as a
// placeholder for the host OS credential vault.
package modelio

import (
	"context"
	"fmt"
	"os"

	"github.com/QusaiiSaleem/visionops/internal/domain"
	"github.com/QusaiiSaleem/visionops/internal/errs"
	"github.com/QusaiiSaleem/visionops/internal/inference"
)

// StubDetector validates its model file exists at construction and
// returns an empty detection set per frame; WarmUp re-validates.
type StubDetector struct {
	ModelPath string
}

// NewStubDetector checks that path is a readable file.
func NewStubDetector(path string) (*StubDetector, error) {
	if err := checkReadable(path); err != nil {
		return nil, err
	}
	return &StubDetector{ModelPath: path}, nil
}

// Forward implements inference.DetectorBackend with zero boxes per
// frame, since the real forward pass is an external collaborator.
func (d *StubDetector) Forward(ctx context.Context, batch []domain.Frame) ([][]inference.RawBox, error) {
	out := make([][]inference.RawBox, len(batch))
	return out, nil
}

// WarmUp re-validates the model artifact is still reachable.
func (d *StubDetector) WarmUp(ctx context.Context) error {
	return checkReadable(d.ModelPath)
}

// StubCaptioner validates its model and tokenizer files exist at
// construction and returns an empty caption.
type StubCaptioner struct {
	ModelPath     string
	TokenizerPath string
}

// NewStubCaptioner checks that both paths are readable files.
func NewStubCaptioner(modelPath, tokenizerPath string) (*StubCaptioner, error) {
	if err := checkReadable(modelPath); err != nil {
		return nil, err
	}
	if err := checkReadable(tokenizerPath); err != nil {
		return nil, err
	}
	return &StubCaptioner{ModelPath: modelPath, TokenizerPath: tokenizerPath}, nil
}

// Forward implements inference.CaptionerBackend with an empty caption,
// since the real greedy-decode forward pass is an external
// collaborator.
func (c *StubCaptioner) Forward(ctx context.Context, frame domain.Frame) (string, bool, error) {
	return "", false, nil
}

// WarmUp re-validates both model artifacts are still reachable.
func (c *StubCaptioner) WarmUp(ctx context.Context) error {
	if err := checkReadable(c.ModelPath); err != nil {
		return err
	}
	return checkReadable(c.TokenizerPath)
}

func checkReadable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: model artifact %q: %v", errs.Configuration, path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: model artifact %q is a directory", errs.Configuration, path)
	}
	return nil
}

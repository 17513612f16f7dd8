package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"filippo.io/age"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/yiimnta/Pseudonymization-for-Whole-Slide-Image/internal/blob"
	"github.com/yiimnta/Pseudonymization-for-Whole-Slide-Image/internal/config"
	"github.com/yiimnta/Pseudonymization-for-Whole-Slide-Image/internal/container/containertest"
	"github.com/yiimnta/Pseudonymization-for-Whole-Slide-Image/internal/label"
	"github.com/yiimnta/Pseudonymization-for-Whole-Slide-Image/internal/models"
)

var example = models.SlideIdentity{
	ID: "0001", Name: "Study_1", AcquiredAt: "10:43AM 21.02.2022",
	Stain: "Ki67", Tissue: "bone marrow", Path: "CMU-1.svs",
}

func testOptions(t *testing.T) *config.Options {
	t.Helper()
	dir := t.TempDir()

	id, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	idFile := filepath.Join(dir, "age.key")
	require.NoError(t, os.WriteFile(idFile, []byte(id.String()+"\n"), 0o600))

	o := config.Default()
	o.Database.DSN = filepath.Join(dir, "wsi.db")
	o.InputDir = filepath.Join(dir, "in")
	o.OutputDir = filepath.Join(dir, "out")
	o.ShiftDays = 2
	o.KeySecret = "pepper"
	o.Vault = config.Vault{
		Config:       blob.Config{Driver: blob.DriverFilesystem, Root: filepath.Join(dir, "vault")},
		Recipients:   []string{id.Recipient().String()},
		IdentityFile: idFile,
	}
	require.NoError(t, os.MkdirAll(o.InputDir, 0o755))
	return o
}

func TestApp_EndToEnd(t *testing.T) {
	opts := testOptions(t)
	ctx := context.Background()

	img, err := label.Renderer{}.Render(320, 160, example)
	require.NoError(t, err)
	containertest.SVS(img).WriteFile(t, opts.InputDir, "CMU-1.svs")

	a, err := New(ctx, opts, zap.NewNop())
	require.NoError(t, err)
	defer a.Close()
	require.NotNil(t, a.Vault)

	out, err := a.Orchestrator.Pseudonymise(ctx, "alice", example)
	require.NoError(t, err)
	assert.Equal(t, "10:43AM 19.02.2022", out.Surrogate.AcquiredAt)
	assert.FileExists(t, out.OutputPath)
	assert.NotEmpty(t, out.BackupKey)

	jobs, err := a.Jobs.ListByPseudonym(ctx, out.PseudonymID)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, models.JobDone, jobs[0].Status)
	assert.Equal(t, "alice", jobs[0].Operator)
	assert.Equal(t, out.OutputDigest, jobs[0].OutputDigest)

	back, err := a.Orchestrator.DePseudonymise(ctx, out.Surrogate)
	require.NoError(t, err)
	assert.Equal(t, example, *back)

	// A second process over the same database sees the same mapping.
	b, err := New(ctx, opts, nil)
	require.NoError(t, err)
	defer b.Close()
	again, err := b.Orchestrator.Pseudonymise(ctx, "bob", example)
	require.NoError(t, err)
	assert.Equal(t, out.PseudonymID, again.PseudonymID)

	// Restore reads the pseudonymised copy from the input directory.
	copied := filepath.Join(opts.InputDir, filepath.Base(out.OutputPath))
	data, err := os.ReadFile(out.OutputPath)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(copied, data, 0o600))
	res, err := a.Orchestrator.Restore(ctx, out.PseudonymID, filepath.Base(out.OutputPath), filepath.Join(t.TempDir(), "restored.svs"))
	require.NoError(t, err)
	assert.Equal(t, example, res.Original)
}

func TestApp_NoVault(t *testing.T) {
	opts := testOptions(t)
	opts.Vault.Recipients = nil

	a, err := New(context.Background(), opts, nil)
	require.NoError(t, err)
	defer a.Close()
	assert.Nil(t, a.Vault)
	assert.Nil(t, a.Orchestrator.Vault)
}

func TestApp_BadVault(t *testing.T) {
	opts := testOptions(t)
	opts.Vault.Recipients = []string{"age1notakey"}
	_, err := New(context.Background(), opts, nil)
	assert.ErrorContains(t, err, "parsing recipient key")

	opts = testOptions(t)
	opts.Vault.IdentityFile = filepath.Join(t.TempDir(), "missing")
	_, err = New(context.Background(), opts, nil)
	assert.ErrorContains(t, err, "vault identities")
}

func TestApp_BadDatabase(t *testing.T) {
	opts := testOptions(t)
	opts.Database.Driver = "mysql"
	_, err := New(context.Background(), opts, nil)
	assert.ErrorContains(t, err, "unknown database driver")
}

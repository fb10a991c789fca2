package sb_test

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sb-go/internal/archive"
	"sb-go/internal/encryption"
	"sb-go/internal/fs"
	"sb-go/internal/sb"
	"sb-go/internal/testutil"
)

// Low scrypt cost keeps age round trips fast.
const testAgeWorkFactor = 10

func newEngine(t *testing.T, clock sb.Clock, encryptors ...sb.Encryptor) *sb.Engine {
	t.Helper()
	logger := sb.NewNopLogger()
	return sb.NewEngine(
		fs.NewHasher(nil, logger),
		archive.NewTarGzArchiver(nil, logger),
		encryptors,
		fs.DirLocker{},
		logger,
		clock,
	)
}

func defaultEncryptors() []sb.Encryptor {
	return []sb.Encryptor{encryption.NewCBCEncryptor(), encryption.NewAgeEncryptor(testAgeWorkFactor)}
}

// sampleTree is compressible so tar.gz artifacts are smaller than the source.
func sampleTree() map[string]string {
	return map[string]string{
		"README.md":       strings.Repeat("readme line\n", 400),
		"src/main.go":     strings.Repeat("package main // filler\n", 300),
		"src/lib/util.go": strings.Repeat("package lib\n", 300),
		"notes/empty.txt": "",
	}
}

func setup(t *testing.T, files map[string]string) (src, backupDir string) {
	t.Helper()
	root := t.TempDir()
	src = filepath.Join(root, "src")
	testutil.WriteTree(t, src, files)
	require.NoError(t, os.MkdirAll(src, 0755))
	return src, filepath.Join(root, "backups")
}

func TestCreate_CompressedRoundTrip(t *testing.T) {
	t.Parallel()
	src, backupDir := setup(t, sampleTree())
	clock := testutil.FixedClock()
	e := newEngine(t, clock, defaultEncryptors()...)

	res, err := e.Create(src, backupDir, sb.CreateOptions{Compress: true})
	require.NoError(t, err)
	require.False(t, res.Skipped)

	rec := res.Record
	assert.Equal(t, "backup_src_20240115_103000", rec.BackupName)
	assert.Equal(t, filepath.Join(backupDir, "backup_src_20240115_103000.tar.gz"), rec.ArtifactPath)
	assert.Equal(t, filepath.Join(backupDir, "backup_src_20240115_103000_metadata.json"), res.MetadataPath)
	assert.True(t, rec.Compressed)
	assert.False(t, rec.Encrypted)
	assert.False(t, rec.Incremental)
	assert.Equal(t, 4, rec.FileCount)
	assert.Len(t, rec.FileHashes, 4)
	assert.Contains(t, rec.FileHashes, "src/lib/util.go")
	assert.Len(t, rec.Checksum, 64)
	assert.Greater(t, rec.OriginalSizeBytes, rec.BackupSizeBytes)
	assert.Greater(t, rec.CompressionRatio, 0.0)
	assert.True(t, rec.CreatedAt.Equal(clock.Now()))

	out := t.TempDir()
	require.NoError(t, e.Restore(rec.ArtifactPath, out, ""))
	assert.Equal(t, sampleTree(), testutil.ReadTree(t, filepath.Join(out, "src")))
}

func TestCreate_EncryptedRoundTrip(t *testing.T) {
	t.Parallel()
	src, backupDir := setup(t, sampleTree())
	e := newEngine(t, testutil.FixedClock(), defaultEncryptors()...)

	res, err := e.Create(src, backupDir, sb.CreateOptions{Compress: true, Password: "correct horse"})
	require.NoError(t, err)

	rec := res.Record
	assert.True(t, rec.Encrypted)
	assert.True(t, strings.HasSuffix(rec.ArtifactPath, ".tar.gz.enc"), rec.ArtifactPath)
	_, err = os.Stat(strings.TrimSuffix(rec.ArtifactPath, ".enc"))
	assert.True(t, os.IsNotExist(err), "intermediate archive should be removed")

	data, err := os.ReadFile(rec.ArtifactPath)
	require.NoError(t, err)
	// salt(16) || iv(16) || whole blocks
	assert.Zero(t, (len(data)-32)%16)
	assert.GreaterOrEqual(t, len(data), 48)

	out := t.TempDir()
	require.NoError(t, e.Restore(rec.ArtifactPath, out, "correct horse"))
	assert.Equal(t, sampleTree(), testutil.ReadTree(t, filepath.Join(out, "src")))

	t.Run("wrong password", func(t *testing.T) {
		err := e.Restore(rec.ArtifactPath, t.TempDir(), "battery staple")
		assert.ErrorIs(t, err, sb.ErrDecryption)
	})

	t.Run("missing password", func(t *testing.T) {
		err := e.Restore(rec.ArtifactPath, t.TempDir(), "")
		assert.ErrorIs(t, err, sb.ErrMissingPassword)
	})

	t.Run("no decryptor configured", func(t *testing.T) {
		bare := newEngine(t, testutil.FixedClock())
		err := bare.Restore(rec.ArtifactPath, t.TempDir(), "correct horse")
		assert.ErrorIs(t, err, sb.ErrCryptoUnavailable)
	})
}

func TestCreate_AgeRoundTrip(t *testing.T) {
	t.Parallel()
	src, backupDir := setup(t, sampleTree())
	age := encryption.NewAgeEncryptor(testAgeWorkFactor)
	e := newEngine(t, testutil.FixedClock(), age, encryption.NewCBCEncryptor())

	res, err := e.Create(src, backupDir, sb.CreateOptions{Compress: true, Password: "pw"})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(res.Record.ArtifactPath, ".tar.gz.age"), res.Record.ArtifactPath)

	out := t.TempDir()
	require.NoError(t, e.Restore(res.Record.ArtifactPath, out, "pw"))
	assert.Equal(t, sampleTree(), testutil.ReadTree(t, filepath.Join(out, "src")))

	err = e.Restore(res.Record.ArtifactPath, t.TempDir(), "nope")
	assert.ErrorIs(t, err, sb.ErrDecryption)

	vr, err := e.Verify(res.Record.ArtifactPath, "")
	require.NoError(t, err)
	assert.Equal(t, sb.StatusVerified, vr.Status)
}

func TestCreate_UncompressedCopy(t *testing.T) {
	t.Parallel()
	src, backupDir := setup(t, sampleTree())
	e := newEngine(t, testutil.FixedClock(), defaultEncryptors()...)

	res, err := e.Create(src, backupDir, sb.CreateOptions{})
	require.NoError(t, err)

	rec := res.Record
	assert.False(t, rec.Compressed)
	assert.Equal(t, filepath.Join(backupDir, rec.BackupName), rec.ArtifactPath)
	assert.Equal(t, sampleTree(), testutil.ReadTree(t, filepath.Join(rec.ArtifactPath, "src")))
	assert.Len(t, rec.Checksum, 64)
	assert.Equal(t, rec.OriginalSizeBytes, rec.BackupSizeBytes)
	assert.InDelta(t, 0.0, rec.CompressionRatio, 1e-9)

	vr, err := e.Verify(rec.ArtifactPath, "")
	require.NoError(t, err)
	assert.Equal(t, sb.StatusVerified, vr.Status)

	out := t.TempDir()
	require.NoError(t, e.Restore(rec.ArtifactPath, out, ""))
	assert.Equal(t, sampleTree(), testutil.ReadTree(t, filepath.Join(out, "src")))

	// Tampering with the copy is detected.
	require.NoError(t, os.WriteFile(filepath.Join(rec.ArtifactPath, "src", "README.md"), []byte("changed"), 0644))
	vr, err = e.Verify(rec.ArtifactPath, "")
	assert.ErrorIs(t, err, sb.ErrChecksumMismatch)
	require.NotNil(t, vr)
	assert.Equal(t, sb.StatusMismatched, vr.Status)
}

func TestCreate_UncompressedEncrypted(t *testing.T) {
	t.Parallel()
	src, backupDir := setup(t, sampleTree())
	e := newEngine(t, testutil.FixedClock(), defaultEncryptors()...)

	res, err := e.Create(src, backupDir, sb.CreateOptions{Password: "pw"})
	require.NoError(t, err)

	rec := res.Record
	assert.False(t, rec.Compressed)
	assert.True(t, rec.Encrypted)
	assert.Equal(t, filepath.Join(backupDir, rec.BackupName+".enc"), rec.ArtifactPath)
	_, err = os.Stat(filepath.Join(backupDir, rec.BackupName+"_temp.tar.gz"))
	assert.True(t, os.IsNotExist(err), "temporary archive should be removed")

	out := t.TempDir()
	require.NoError(t, e.Restore(rec.ArtifactPath, out, "pw"))
	assert.Equal(t, sampleTree(), testutil.ReadTree(t, filepath.Join(out, "src")))

	vr, err := e.Verify(rec.ArtifactPath, "")
	require.NoError(t, err)
	assert.Equal(t, sb.StatusVerified, vr.Status)
}

func TestCreate_EmptySource(t *testing.T) {
	t.Parallel()
	src, backupDir := setup(t, nil)
	e := newEngine(t, testutil.FixedClock())

	res, err := e.Create(src, backupDir, sb.CreateOptions{Compress: true})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Record.FileCount)
	assert.Empty(t, res.Record.FileHashes)
	assert.Equal(t, int64(0), res.Record.OriginalSizeBytes)
	assert.Equal(t, 0.0, res.Record.CompressionRatio)

	out := t.TempDir()
	require.NoError(t, e.Restore(res.Record.ArtifactPath, out, ""))
	info, err := os.Stat(filepath.Join(out, "src"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestCreate_Errors(t *testing.T) {
	t.Parallel()

	t.Run("missing source", func(t *testing.T) {
		e := newEngine(t, testutil.FixedClock())
		_, err := e.Create(filepath.Join(t.TempDir(), "nope"), t.TempDir(), sb.CreateOptions{})
		assert.ErrorIs(t, err, sb.ErrNotFound)
	})

	t.Run("source is a file", func(t *testing.T) {
		f := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(f, []byte("x"), 0644))
		e := newEngine(t, testutil.FixedClock())
		_, err := e.Create(f, t.TempDir(), sb.CreateOptions{})
		assert.ErrorIs(t, err, sb.ErrNotFound)
	})

	t.Run("password without encryptor", func(t *testing.T) {
		src, backupDir := setup(t, map[string]string{"a": "1"})
		e := newEngine(t, testutil.FixedClock())
		_, err := e.Create(src, backupDir, sb.CreateOptions{Password: "pw", Compress: true})
		assert.ErrorIs(t, err, sb.ErrCryptoUnavailable)
		_, statErr := os.Stat(backupDir)
		assert.True(t, os.IsNotExist(statErr), "nothing should be written")
	})

	t.Run("backup directory is the source", func(t *testing.T) {
		src, _ := setup(t, map[string]string{"a": "1"})
		e := newEngine(t, testutil.FixedClock())
		_, err := e.Create(src, src, sb.CreateOptions{Compress: true})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "is the source directory")
	})
}

func TestCreate_SameSecondGetsCounter(t *testing.T) {
	t.Parallel()
	src, backupDir := setup(t, map[string]string{"a": "1"})
	e := newEngine(t, testutil.FixedClock())

	names := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		res, err := e.Create(src, backupDir, sb.CreateOptions{Compress: true})
		require.NoError(t, err)
		names = append(names, res.Record.BackupName)
	}
	assert.Equal(t, []string{
		"backup_src_20240115_103000",
		"backup_src_20240115_103000_2",
		"backup_src_20240115_103000_3",
	}, names)

	records, err := e.List(backupDir)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "backup_src_20240115_103000_3", records[0].BackupName)

	res, err := e.Verify(filepath.Join(backupDir, "backup_src_20240115_103000_2.tar.gz"), "")
	require.NoError(t, err)
	assert.Equal(t, sb.StatusVerified, res.Status)
}

func TestCreate_NestedBackupDir(t *testing.T) {
	t.Parallel()
	src, _ := setup(t, sampleTree())
	backupDir := filepath.Join(src, "backups")
	clock := testutil.FixedClock()
	e := newEngine(t, clock)
	opts := sb.CreateOptions{Compress: true, Incremental: true}

	first, err := e.Create(src, backupDir, opts)
	require.NoError(t, err)
	assert.Equal(t, 4, first.Record.FileCount)
	for p := range first.Record.FileHashes {
		assert.False(t, strings.HasPrefix(p, "backups/"), "backup directory fingerprinted: %s", p)
	}

	clock.Advance(time.Minute)
	second, err := e.Create(src, backupDir, opts)
	require.NoError(t, err)
	assert.True(t, second.Skipped, "earlier artifacts must not count as source changes")

	out := t.TempDir()
	require.NoError(t, e.Restore(first.Record.ArtifactPath, out, ""))
	assert.Equal(t, sampleTree(), testutil.ReadTree(t, filepath.Join(out, "src")))

	t.Run("uncompressed copy", func(t *testing.T) {
		clock.Advance(time.Minute)
		res, err := e.Create(src, backupDir, sb.CreateOptions{})
		require.NoError(t, err)
		assert.Equal(t, sampleTree(), testutil.ReadTree(t, filepath.Join(res.Record.ArtifactPath, "src")))
	})
}

func TestCreate_RatioMeasuredBeforeEncryption(t *testing.T) {
	t.Parallel()
	src, _ := setup(t, sampleTree())
	e := newEngine(t, testutil.FixedClock(), defaultEncryptors()...)

	plain, err := e.Create(src, t.TempDir(), sb.CreateOptions{Compress: true})
	require.NoError(t, err)
	encrypted, err := e.Create(src, t.TempDir(), sb.CreateOptions{Compress: true, Password: "pw"})
	require.NoError(t, err)

	// Both runs pack identical bytes; only the encrypted artifact is larger.
	assert.Greater(t, encrypted.Record.BackupSizeBytes, plain.Record.BackupSizeBytes)
	assert.InDelta(t, plain.Record.CompressionRatio, encrypted.Record.CompressionRatio, 1e-9)
}

func TestCreate_Incremental(t *testing.T) {
	t.Parallel()
	src, backupDir := setup(t, map[string]string{"a.txt": "one", "b.txt": "two"})
	clock := testutil.FixedClock()
	e := newEngine(t, clock)
	opts := sb.CreateOptions{Compress: true, Incremental: true}

	first, err := e.Create(src, backupDir, opts)
	require.NoError(t, err)
	assert.False(t, first.Record.Incremental, "no previous backup means a full run")

	clock.Advance(time.Minute)
	second, err := e.Create(src, backupDir, opts)
	require.NoError(t, err)
	assert.True(t, second.Skipped)
	assert.Equal(t, sb.ReasonNoChanges, second.Reason)
	assert.Nil(t, second.Record)

	records, err := e.List(backupDir)
	require.NoError(t, err)
	assert.Len(t, records, 1, "a skipped run writes no record")

	changes := []struct {
		name   string
		mutate func(t *testing.T)
	}{
		{"modified file", func(t *testing.T) {
			require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("uno"), 0644))
		}},
		{"added file", func(t *testing.T) {
			require.NoError(t, os.WriteFile(filepath.Join(src, "c.txt"), []byte("three"), 0644))
		}},
		{"deleted file", func(t *testing.T) {
			require.NoError(t, os.Remove(filepath.Join(src, "b.txt")))
		}},
	}

	for _, c := range changes {
		c.mutate(t)
		clock.Advance(time.Minute)
		res, err := e.Create(src, backupDir, opts)
		require.NoError(t, err, c.name)
		require.False(t, res.Skipped, c.name)
		assert.True(t, res.Record.Incremental, c.name)

		// The record holds the whole current tree, not just the delta.
		current, err := fs.NewHasher(nil, sb.NewNopLogger()).HashTree(src, nil)
		require.NoError(t, err)
		assert.Equal(t, current, res.Record.FileHashes, c.name)
	}
}

func TestCreate_IncrementalScopedToSource(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	backupDir := filepath.Join(root, "backups")
	one := filepath.Join(root, "one", "data")
	two := filepath.Join(root, "two", "data")
	testutil.WriteTree(t, one, map[string]string{"f": "same"})
	testutil.WriteTree(t, two, map[string]string{"f": "same"})

	clock := testutil.FixedClock()
	e := newEngine(t, clock)
	opts := sb.CreateOptions{Compress: true, Incremental: true}

	_, err := e.Create(one, backupDir, opts)
	require.NoError(t, err)

	clock.Advance(time.Minute)
	res, err := e.Create(two, backupDir, opts)
	require.NoError(t, err)
	assert.False(t, res.Skipped, "another source's backup is not a baseline")
	assert.False(t, res.Record.Incremental)
}

func TestCreate_FullBackupInterval(t *testing.T) {
	t.Parallel()
	src, backupDir := setup(t, map[string]string{"f": "v1"})
	clock := testutil.FixedClock()
	e := newEngine(t, clock)
	opts := sb.CreateOptions{Compress: true, Incremental: true, FullBackupInterval: 24 * time.Hour}

	_, err := e.Create(src, backupDir, opts)
	require.NoError(t, err)

	clock.Advance(time.Hour)
	require.NoError(t, os.WriteFile(filepath.Join(src, "f"), []byte("v2"), 0644))
	res, err := e.Create(src, backupDir, opts)
	require.NoError(t, err)
	assert.True(t, res.Record.Incremental)

	// Past the interval a full run happens even without changes.
	clock.Advance(24 * time.Hour)
	res, err = e.Create(src, backupDir, opts)
	require.NoError(t, err)
	require.False(t, res.Skipped)
	assert.False(t, res.Record.Incremental)

	clock.Advance(time.Hour)
	res, err = e.Create(src, backupDir, opts)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
}

func TestCreate_MetadataFormat(t *testing.T) {
	t.Parallel()
	src, backupDir := setup(t, map[string]string{"a.txt": "x"})
	e := newEngine(t, testutil.FixedClock())

	res, err := e.Create(src, backupDir, sb.CreateOptions{Compress: true})
	require.NoError(t, err)

	data, err := os.ReadFile(res.MetadataPath)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "{\n  \"backup_name\": "), "two-space indented JSON")

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	for _, key := range []string{
		"backup_name", "source_directory", "created_at", "encrypted", "compressed",
		"incremental", "file_count", "file_hashes", "artifact_path", "checksum",
		"original_size_bytes", "backup_size_bytes", "compression_ratio",
	} {
		assert.Contains(t, raw, key)
	}

	rec, err := sb.ReadRecord(res.MetadataPath)
	require.NoError(t, err)
	assert.Equal(t, res.Record.Checksum, rec.Checksum)
	assert.Equal(t, res.Record.FileHashes, rec.FileHashes)
}

func TestRestore_Errors(t *testing.T) {
	t.Parallel()
	e := newEngine(t, testutil.FixedClock(), defaultEncryptors()...)

	t.Run("missing artifact", func(t *testing.T) {
		err := e.Restore(filepath.Join(t.TempDir(), "nope.tar.gz"), t.TempDir(), "")
		assert.ErrorIs(t, err, sb.ErrNotFound)
	})

	t.Run("corrupt archive", func(t *testing.T) {
		p := filepath.Join(t.TempDir(), "bad.tar.gz")
		require.NoError(t, os.WriteFile(p, []byte("not gzip at all"), 0644))
		err := e.Restore(p, t.TempDir(), "")
		assert.ErrorIs(t, err, sb.ErrArchive)
	})

	t.Run("truncated ciphertext", func(t *testing.T) {
		p := filepath.Join(t.TempDir(), "bad.tar.gz.enc")
		require.NoError(t, os.WriteFile(p, make([]byte, 40), 0644))
		err := e.Restore(p, t.TempDir(), "pw")
		assert.ErrorIs(t, err, sb.ErrDecryption)
	})
}

func TestVerify(t *testing.T) {
	t.Parallel()
	src, backupDir := setup(t, sampleTree())
	e := newEngine(t, testutil.FixedClock(), defaultEncryptors()...)

	res, err := e.Create(src, backupDir, sb.CreateOptions{Compress: true, Password: "pw"})
	require.NoError(t, err)
	artifact := res.Record.ArtifactPath

	t.Run("implicit metadata", func(t *testing.T) {
		vr, err := e.Verify(artifact, "")
		require.NoError(t, err)
		assert.Equal(t, sb.StatusVerified, vr.Status)
		assert.Equal(t, res.MetadataPath, vr.MetadataPath)
		assert.Equal(t, vr.Expected, vr.Actual)
	})

	t.Run("explicit metadata", func(t *testing.T) {
		vr, err := e.Verify(artifact, res.MetadataPath)
		require.NoError(t, err)
		assert.Equal(t, sb.StatusVerified, vr.Status)
	})

	t.Run("explicit metadata missing", func(t *testing.T) {
		_, err := e.Verify(artifact, filepath.Join(backupDir, "nope_metadata.json"))
		assert.ErrorIs(t, err, sb.ErrNotFound)
	})

	t.Run("missing artifact", func(t *testing.T) {
		_, err := e.Verify(filepath.Join(backupDir, "gone.tar.gz"), "")
		assert.ErrorIs(t, err, sb.ErrNotFound)
	})

	t.Run("no metadata is unverifiable", func(t *testing.T) {
		orphan := filepath.Join(t.TempDir(), "orphan.tar.gz")
		require.NoError(t, os.WriteFile(orphan, []byte("data"), 0644))
		vr, err := e.Verify(orphan, "")
		require.NoError(t, err)
		assert.Equal(t, sb.StatusUnverifiable, vr.Status)
		assert.Equal(t, int64(4), vr.SizeBytes)
	})
}

func TestVerify_DetectsFlippedByte(t *testing.T) {
	t.Parallel()
	src, backupDir := setup(t, sampleTree())
	e := newEngine(t, testutil.FixedClock())

	res, err := e.Create(src, backupDir, sb.CreateOptions{Compress: true})
	require.NoError(t, err)

	data, err := os.ReadFile(res.Record.ArtifactPath)
	require.NoError(t, err)
	data[len(data)/2] ^= 0xff
	require.NoError(t, os.WriteFile(res.Record.ArtifactPath, data, 0644))

	vr, err := e.Verify(res.Record.ArtifactPath, "")
	assert.True(t, errors.Is(err, sb.ErrChecksumMismatch), "err = %v", err)
	require.NotNil(t, vr)
	assert.Equal(t, sb.StatusMismatched, vr.Status)
	assert.NotEqual(t, vr.Expected, vr.Actual)
}

func TestList(t *testing.T) {
	t.Parallel()
	src, backupDir := setup(t, map[string]string{"f": "1"})
	clock := testutil.FixedClock()
	e := newEngine(t, clock)

	var names []string
	for i := 0; i < 3; i++ {
		res, err := e.Create(src, backupDir, sb.CreateOptions{Compress: true})
		require.NoError(t, err)
		names = append(names, res.Record.BackupName)
		clock.Advance(time.Hour)
	}

	require.NoError(t, os.WriteFile(filepath.Join(backupDir, "broken_metadata.json"), []byte("{not json"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(backupDir, "empty_metadata.json"), []byte("{}"), 0644))

	records, err := e.List(backupDir)
	require.NoError(t, err)
	require.Len(t, records, 3, "malformed records are skipped")
	assert.Equal(t, names[2], records[0].BackupName)
	assert.Equal(t, names[1], records[1].BackupName)
	assert.Equal(t, names[0], records[2].BackupName)

	t.Run("missing directory", func(t *testing.T) {
		_, err := e.List(filepath.Join(t.TempDir(), "nope"))
		assert.ErrorIs(t, err, sb.ErrNotFound)
	})

	t.Run("empty directory", func(t *testing.T) {
		records, err := e.List(t.TempDir())
		require.NoError(t, err)
		assert.Empty(t, records)
	})
}

package auth

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestUserFile_ReadWrite(t *testing.T) {
	for _, tc := range hashTypes {
		t.Run(tc.name, func(t *testing.T) {
			userFilePath := filepath.Join(t.TempDir(), "test_users.db")
			writerHash, err := HashPassword("writer_pass", tc.hashType)
			require.NoError(t, err)
			readerHash, err := HashPassword("reader_pass", tc.hashType)
			require.NoError(t, err)

			usersToWrite := map[string]UserRecord{
				"writer_user": {Username: "writer_user", PasswordHash: writerHash, Role: RoleWriter},
				"reader_user": {Username: "reader_user", PasswordHash: readerHash, Role: RoleReader},
			}
			require.NoError(t, WriteUserFile(userFilePath, usersToWrite, tc.hashType))

			usersRead, readHashType, err := ReadUserFile(userFilePath)
			require.NoError(t, err)
			assert.Equal(t, tc.hashType, readHashType)
			assert.Equal(t, usersToWrite, usersRead)

			leftovers, err := filepath.Glob(userFilePath + ".tmp-*")
			require.NoError(t, err)
			assert.Empty(t, leftovers)
		})
	}
}

func TestWriteUserFile_IsDeterministic(t *testing.T) {
	dir := t.TempDir()
	users := map[string]UserRecord{
		"b": {Username: "b", PasswordHash: "22", Role: RoleReader},
		"a": {Username: "a", PasswordHash: "11", Role: RoleWriter},
		"c": {Username: "c", PasswordHash: "33", Role: RoleReader},
	}
	first, second := filepath.Join(dir, "1.db"), filepath.Join(dir, "2.db")
	require.NoError(t, WriteUserFile(first, users, HashTypeSHA256))
	require.NoError(t, WriteUserFile(second, users, HashTypeSHA256))

	a, err := os.ReadFile(first)
	require.NoError(t, err)
	b, err := os.ReadFile(second)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func writeHeader(t *testing.T, path string, header UserFileHeader, extra ...uint16) {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, &header))
	for _, v := range extra {
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, v))
	}
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
}

func TestReadUserFile_EdgeCases(t *testing.T) {
	tempDir := t.TempDir()

	t.Run("non_existent_file", func(t *testing.T) {
		users, hashType, err := ReadUserFile(filepath.Join(tempDir, "nonexistent.db"))
		require.NoError(t, err)
		assert.Empty(t, users)
		assert.Equal(t, HashTypeBcrypt, hashType)
	})

	t.Run("empty_file", func(t *testing.T) {
		path := filepath.Join(tempDir, "empty.db")
		require.NoError(t, os.WriteFile(path, nil, 0644))
		users, hashType, err := ReadUserFile(path)
		require.NoError(t, err)
		assert.Empty(t, users)
		assert.Equal(t, HashTypeBcrypt, hashType)
	})

	t.Run("corrupted_magic_number", func(t *testing.T) {
		path := filepath.Join(tempDir, "corrupted_magic.db")
		writeHeader(t, path, UserFileHeader{Magic: 0xDEADBEEF, Version: 1, HashType: HashTypeBcrypt})
		_, _, err := ReadUserFile(path)
		assert.ErrorContains(t, err, "magic")
	})

	t.Run("unsupported_version", func(t *testing.T) {
		path := filepath.Join(tempDir, "unsupported_version.db")
		writeHeader(t, path, UserFileHeader{Magic: UserFileMagic, Version: 99})
		_, _, err := ReadUserFile(path)
		assert.ErrorContains(t, err, "version")
	})

	t.Run("unsupported_hash_type", func(t *testing.T) {
		path := filepath.Join(tempDir, "unsupported_hash.db")
		writeHeader(t, path, UserFileHeader{Magic: UserFileMagic, Version: CurrentUserFileVersion, HashType: 99})
		_, _, err := ReadUserFile(path)
		assert.ErrorContains(t, err, "hash type")
	})

	t.Run("truncated_header", func(t *testing.T) {
		path := filepath.Join(tempDir, "truncated_header.db")
		require.NoError(t, os.WriteFile(path, []byte{0x44, 0x52, 0x53, 0x55}, 0644))
		_, _, err := ReadUserFile(path)
		assert.Error(t, err)
	})

	t.Run("truncated_record", func(t *testing.T) {
		path := filepath.Join(tempDir, "truncated_record.db")
		writeHeader(t, path, UserFileHeader{
			Magic:     UserFileMagic,
			Version:   CurrentUserFileVersion,
			HashType:  HashTypeBcrypt,
			UserCount: 1,
		}, 10)
		_, _, err := ReadUserFile(path)
		assert.ErrorContains(t, err, "record #1")
	})
}

func TestPutUser(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.db")

	require.NoError(t, PutUser(path, "backup", "first", RoleWriter, HashTypeSHA256))
	// The file keeps the hash type it was created with.
	require.NoError(t, PutUser(path, "monitor", "second", RoleReader, HashTypeBcrypt))
	require.NoError(t, PutUser(path, "backup", "rotated", RoleWriter, HashTypeBcrypt))

	users, hashType, err := ReadUserFile(path)
	require.NoError(t, err)
	assert.Equal(t, HashTypeSHA256, hashType)
	assert.Len(t, users, 2)

	authN, err := NewAuthenticator(path, nil)
	require.NoError(t, err)
	assert.NoError(t, authN.AuthenticateUserPass("backup", "rotated"))
	assert.Error(t, authN.AuthenticateUserPass("backup", "first"))
	assert.NoError(t, authN.AuthenticateUserPass("monitor", "second"))

	assert.Error(t, PutUser(path, "", "x", RoleReader, HashTypeBcrypt))
	assert.Error(t, PutUser(path, "admin", "x", "superuser", HashTypeBcrypt))
}

func TestParseHashType(t *testing.T) {
	for name, want := range map[string]HashType{"": HashTypeBcrypt, "bcrypt": HashTypeBcrypt, "sha256": HashTypeSHA256, "sha512": HashTypeSHA512} {
		got, err := ParseHashType(name)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseHashType("md5")
	assert.Error(t, err)
}

func TestHashPassword(t *testing.T) {
	password := "my-secret-password"

	t.Run("bcrypt", func(t *testing.T) {
		hash, err := HashPassword(password, HashTypeBcrypt)
		require.NoError(t, err)
		assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)))
	})

	t.Run("sha256", func(t *testing.T) {
		hash, err := HashPassword(password, HashTypeSHA256)
		require.NoError(t, err)
		assert.Equal(t, "a9c90c47c231afb31950169ccb89951337eb0689d31660e32c34835bb7018c0c", hash)
	})

	t.Run("sha512", func(t *testing.T) {
		hash, err := HashPassword(password, HashTypeSHA512)
		require.NoError(t, err)
		assert.Equal(t, "c64425af28885bcdc21e925fb6217adbdd50ccc1fadf4c663917f95e7890d19dca40a04e1baefecfbb7a5511492bebd2445c495dff2b8a1b5a910b5a9d82bbda", hash)
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := HashPassword(password, HashTypeUnknown)
		assert.Error(t, err)
	})
}

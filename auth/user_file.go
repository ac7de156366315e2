package auth

import (
	"bufio"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/crypto/bcrypt"
)

const (
	// UserFileMagic is a magic number to identify the user database file.
	UserFileMagic uint32 = 0x55535244 // "USRD"
	// CurrentUserFileVersion is the current version of the user file format.
	CurrentUserFileVersion uint8 = 1
)

// HashType defines the password hashing algorithm used.
type HashType uint8

const (
	HashTypeUnknown HashType = 0
	HashTypeBcrypt  HashType = 1
	HashTypeSHA256  HashType = 2
	HashTypeSHA512  HashType = 3
)

// ParseHashType maps "bcrypt", "sha256" or "sha512" to a HashType.
func ParseHashType(name string) (HashType, error) {
	switch name {
	case "", "bcrypt":
		return HashTypeBcrypt, nil
	case "sha256":
		return HashTypeSHA256, nil
	case "sha512":
		return HashTypeSHA512, nil
	}
	return HashTypeUnknown, fmt.Errorf("unsupported hash type %q", name)
}

// UserFileHeader represents the header of the user database file.
type UserFileHeader struct {
	Magic     uint32
	Version   uint8
	HashType  HashType
	UserCount uint32
}

// UserRecord represents a single user's data within the file.
type UserRecord struct {
	Username     string
	PasswordHash string
	Role         string
}

// WriteUserFile replaces the user file at path. Records are written in
// username order through a temporary file renamed into place.
func WriteUserFile(path string, users map[string]UserRecord, hashType HashType) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create user file: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	w := bufio.NewWriter(tmp)
	header := UserFileHeader{
		Magic:     UserFileMagic,
		Version:   CurrentUserFileVersion,
		HashType:  hashType,
		UserCount: uint32(len(users)),
	}
	if err = binary.Write(w, binary.LittleEndian, &header); err != nil {
		return fmt.Errorf("failed to write user file header: %w", err)
	}

	names := make([]string, 0, len(users))
	for name := range users {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		user := users[name]
		for _, s := range []string{user.Username, user.PasswordHash, user.Role} {
			if err = writeString(w, s); err != nil {
				return fmt.Errorf("failed to write user record for '%s': %w", user.Username, err)
			}
		}
	}
	if err = w.Flush(); err != nil {
		return fmt.Errorf("failed to write user file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to close user file: %w", err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace user file: %w", err)
	}
	return nil
}

// ReadUserFile reads a binary user file. A missing or empty file yields no
// users and the bcrypt hash type.
func ReadUserFile(path string) (map[string]UserRecord, HashType, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]UserRecord), HashTypeBcrypt, nil
		}
		return nil, HashTypeUnknown, fmt.Errorf("failed to open user file: %w", err)
	}
	defer file.Close()
	r := bufio.NewReader(file)

	var header UserFileHeader
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		if errors.Is(err, io.EOF) {
			return make(map[string]UserRecord), HashTypeBcrypt, nil
		}
		return nil, HashTypeUnknown, fmt.Errorf("failed to read user file header: %w", err)
	}

	if header.Magic != UserFileMagic {
		return nil, HashTypeUnknown, fmt.Errorf("invalid user file magic number: got %x", header.Magic)
	}
	if header.Version > CurrentUserFileVersion {
		return nil, HashTypeUnknown, fmt.Errorf("unsupported user file version: got %d", header.Version)
	}
	if header.HashType < HashTypeBcrypt || header.HashType > HashTypeSHA512 {
		return nil, HashTypeUnknown, fmt.Errorf("unsupported hash type: got %d", header.HashType)
	}

	users := make(map[string]UserRecord, header.UserCount)
	for i := uint32(0); i < header.UserCount; i++ {
		var fields [3]string
		for j := range fields {
			if fields[j], err = readString(r); err != nil {
				return nil, HashTypeUnknown, fmt.Errorf("failed to read user record #%d: %w", i+1, err)
			}
		}
		users[fields[0]] = UserRecord{Username: fields[0], PasswordHash: fields[1], Role: fields[2]}
	}
	return users, header.HashType, nil
}

// PutUser adds or replaces one user in the file at path, creating the file
// when needed. An existing file keeps its hash type.
func PutUser(path, username, password, role string, hashType HashType) error {
	if username == "" {
		return errors.New("username is required")
	}
	if role != RoleReader && role != RoleWriter {
		return fmt.Errorf("unknown role %q", role)
	}
	users, fileHashType, err := ReadUserFile(path)
	if err != nil {
		return err
	}
	if len(users) > 0 {
		hashType = fileHashType
	}
	hash, err := HashPassword(password, hashType)
	if err != nil {
		return err
	}
	users[username] = UserRecord{Username: username, PasswordHash: hash, Role: role}
	return WriteUserFile(path, users, hashType)
}

// HashPassword hashes password with the given algorithm. The SHA variants
// are unsalted and exist for compatibility with existing user files.
func HashPassword(password string, hashType HashType) (string, error) {
	switch hashType {
	case HashTypeBcrypt:
		hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return "", err
		}
		return string(hashed), nil
	case HashTypeSHA256:
		sum := sha256.Sum256([]byte(password))
		return hex.EncodeToString(sum[:]), nil
	case HashTypeSHA512:
		sum := sha512.Sum512([]byte(password))
		return hex.EncodeToString(sum[:]), nil
	default:
		return "", fmt.Errorf("unsupported hash type: %d", hashType)
	}
}

func writeString(w io.Writer, s string) error {
	if len(s) > 0xFFFF {
		return fmt.Errorf("field of %d bytes is too long", len(s))
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r io.Reader) (string, error) {
	var length uint16
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return "", err
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return "", err
	}
	return string(data), nil
}

package collab

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// the authoritative resource store is external to the protocol. the
// authority only needs "apply update to resource"; accepted updates are
// last write wins on the stored fields.
type ResourceStore interface {
	ApplyDeviceUpdate(ctx context.Context, scanId string, deviceId string, changes map[string]any) error
	ApplyScanUpdate(ctx context.Context, scanId string, changes map[string]any) error
	GetScan(ctx context.Context, scanId string) (map[string]any, error)
	GetDevice(ctx context.Context, scanId string, deviceId string) (map[string]any, error)
}

type SqliteStore struct {
	db *sql.DB
}

func NewSqliteStore(path string) (*SqliteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	store := &SqliteStore{
		db: db,
	}
	if err := store.init(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (self *SqliteStore) init() error {
	if _, err := self.db.Exec(
		`CREATE TABLE IF NOT EXISTS scans (
		id text not null primary key,
		data text not null
		)`,
	); err != nil {
		return err
	}
	if _, err := self.db.Exec(
		`CREATE TABLE IF NOT EXISTS devices (
		scan_id text not null,
		device_id text not null,
		data text not null,
		primary key (scan_id, device_id)
		)`,
	); err != nil {
		return err
	}
	return nil
}

func (self *SqliteStore) ApplyDeviceUpdate(ctx context.Context, scanId string, deviceId string, changes map[string]any) error {
	data := map[string]any{}
	var rawData string
	err := self.db.QueryRowContext(
		ctx,
		`SELECT data FROM devices WHERE scan_id = ? AND device_id = ?`,
		scanId,
		deviceId,
	).Scan(&rawData)
	switch {
	case err == nil:
		if err := json.Unmarshal([]byte(rawData), &data); err != nil {
			return err
		}
	case errors.Is(err, sql.ErrNoRows):
	default:
		return err
	}

	for field, value := range changes {
		data[field] = value
	}
	mergedData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	_, err = self.db.ExecContext(
		ctx,
		`INSERT INTO devices (scan_id, device_id, data) VALUES (?, ?, ?)
		ON CONFLICT (scan_id, device_id) DO UPDATE SET data = excluded.data`,
		scanId,
		deviceId,
		string(mergedData),
	)
	return err
}

func (self *SqliteStore) ApplyScanUpdate(ctx context.Context, scanId string, changes map[string]any) error {
	data := map[string]any{}
	var rawData string
	err := self.db.QueryRowContext(
		ctx,
		`SELECT data FROM scans WHERE id = ?`,
		scanId,
	).Scan(&rawData)
	switch {
	case err == nil:
		if err := json.Unmarshal([]byte(rawData), &data); err != nil {
			return err
		}
	case errors.Is(err, sql.ErrNoRows):
	default:
		return err
	}

	for field, value := range changes {
		data[field] = value
	}
	mergedData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	_, err = self.db.ExecContext(
		ctx,
		`INSERT INTO scans (id, data) VALUES (?, ?)
		ON CONFLICT (id) DO UPDATE SET data = excluded.data`,
		scanId,
		string(mergedData),
	)
	return err
}

func (self *SqliteStore) GetScan(ctx context.Context, scanId string) (map[string]any, error) {
	var rawData string
	err := self.db.QueryRowContext(
		ctx,
		`SELECT data FROM scans WHERE id = ?`,
		scanId,
	).Scan(&rawData)
	if err != nil {
		return nil, err
	}
	data := map[string]any{}
	if err := json.Unmarshal([]byte(rawData), &data); err != nil {
		return nil, err
	}
	return data, nil
}

func (self *SqliteStore) GetDevice(ctx context.Context, scanId string, deviceId string) (map[string]any, error) {
	var rawData string
	err := self.db.QueryRowContext(
		ctx,
		`SELECT data FROM devices WHERE scan_id = ? AND device_id = ?`,
		scanId,
		deviceId,
	).Scan(&rawData)
	if err != nil {
		return nil, err
	}
	data := map[string]any{}
	if err := json.Unmarshal([]byte(rawData), &data); err != nil {
		return nil, err
	}
	return data, nil
}

func (self *SqliteStore) Close() error {
	return self.db.Close()
}

// MemoryStore backs tests and ephemeral deployments.
type MemoryStore struct {
	mutex   sync.Mutex
	scans   map[string]map[string]any
	devices map[string]map[string]map[string]any
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		scans:   map[string]map[string]any{},
		devices: map[string]map[string]map[string]any{},
	}
}

func (self *MemoryStore) ApplyDeviceUpdate(ctx context.Context, scanId string, deviceId string, changes map[string]any) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	scanDevices, ok := self.devices[scanId]
	if !ok {
		scanDevices = map[string]map[string]any{}
		self.devices[scanId] = scanDevices
	}
	data, ok := scanDevices[deviceId]
	if !ok {
		data = map[string]any{}
		scanDevices[deviceId] = data
	}
	for field, value := range changes {
		data[field] = value
	}
	return nil
}

func (self *MemoryStore) ApplyScanUpdate(ctx context.Context, scanId string, changes map[string]any) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	data, ok := self.scans[scanId]
	if !ok {
		data = map[string]any{}
		self.scans[scanId] = data
	}
	for field, value := range changes {
		data[field] = value
	}
	return nil
}

func (self *MemoryStore) GetScan(ctx context.Context, scanId string) (map[string]any, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	data, ok := self.scans[scanId]
	if !ok {
		return nil, errors.New("scan not found")
	}
	out := map[string]any{}
	for field, value := range data {
		out[field] = value
	}
	return out, nil
}

func (self *MemoryStore) GetDevice(ctx context.Context, scanId string, deviceId string) (map[string]any, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	scanDevices, ok := self.devices[scanId]
	if !ok {
		return nil, errors.New("device not found")
	}
	data, ok := scanDevices[deviceId]
	if !ok {
		return nil, errors.New("device not found")
	}
	out := map[string]any{}
	for field, value := range data {
		out[field] = value
	}
	return out, nil
}

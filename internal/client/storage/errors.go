package storage

import "errors"

// Ошибки клиентского хранилища
var (
	// ErrStorageClosed хранилище закрыто или не инициализировано
	ErrStorageClosed = errors.New("storage is closed")

	// ErrSnapshotNotFound сохранённый снимок состояния отсутствует
	ErrSnapshotNotFound = errors.New("snapshot not found")
)

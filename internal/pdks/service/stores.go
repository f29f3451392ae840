package service

import "github.com/pdks/engine/internal/pdks/store"

// Stores bundles the repositories the services read and write.
type Stores struct {
	Devices          store.DeviceStore
	Personnel        store.PersonnelStore
	AccessLogs       store.AccessLogStore
	SyncHistory      store.SyncHistoryStore
	PersonnelDevices store.PersonnelDeviceStore
	Calendar         store.CalendarStore
	TempCards        store.TempCardStore
}

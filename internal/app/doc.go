// Package app composes the domain services, storage backend, event bus and
// background jobs into a running Application.
//
//	cmd/quantumshield
//	      │
//	      ▼
//	internal/app (composition, jobs)
//	      ├── domain/     documents shared by services and stores
//	      ├── services/   one service per domain
//	      ├── storage/    typed stores over a document backend
//	      ├── events/     in-process event bus
//	      ├── keyvault/   master-key sealing of private material
//	      ├── metrics/    prometheus collectors
//	      ├── httpapi/    REST and websocket surface
//	      └── system/     lifecycle manager, job runner, health
package app

// Package app composes the generation backend into a running application.
//
// # Package Structure
//
//	internal/app/
//	├── application.go      # Application struct, wiring and lifecycle
//	├── domain/             # Domain models (pure data structures)
//	│   ├── account/        # Ink accounts and journal entries
//	│   └── generation/     # Requests, media and posts
//	├── providers/          # Adapters and the (provider, model) registry
//	├── services/
//	│   └── generation/     # Supervisor, pool, reconciler, janitor
//	├── storage/            # Store interfaces and implementations
//	│   ├── memory/         # In-memory implementation for tests
//	│   └── sqlstore/       # sqlx implementation (postgres, sqlite)
//	├── httpapi/            # HTTP handlers, auth and routing
//	├── runtime/            # Process wiring from configuration
//	├── system/             # Service lifecycle management
//	└── metrics/            # Prometheus collectors
//
// # Dependency Direction
//
//	cmd/inkd/
//	      │
//	      ▼
//	internal/app/runtime ──► internal/config
//	      │
//	      ▼
//	internal/app (composition)
//	      │
//	      ├──► services/generation ──► providers, storage, ink, blob
//	      │
//	      └──► httpapi
//
// Business rules live in the services and in internal/ink; this package
// only builds and starts them.
package app

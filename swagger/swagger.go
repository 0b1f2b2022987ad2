package swagger

//go:generate go tool swag init --generalInfo swagger.go --output docs --dir .,../internal/httpapi,../api --parseInternal --generatedTime=false
//go:generate go run ./internal/swaggerhtml --spec docs/swagger.json --out docs/swagger.html

// @title           tpcd API
// @version         0.0
// @description     tpcd coordinates two-phase-commit instances across HTTP participants and keeps a durable action log of every message it sends.
// @license.name    MIT
// @license.url     https://opensource.org/license/mit/
// @schemes         http https
// @accept          json
// @produce         json
// @tag.name        instances
// @tag.description Begin instances, record votes and inspect status and action logs.
// @tag.name        system
// @tag.description Service health and readiness checks.

// Package swagger provides go:generate hooks for producing OpenAPI assets.
type Package struct{}

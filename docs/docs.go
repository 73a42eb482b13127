// Package docs registers the OpenAPI document served at /swagger/doc.json.
// Regenerate the template with `swag init -g cmd/marketplace-orchestrator/main.go`.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "securityDefinitions": {
        "BearerAuth": {
            "type": "apiKey",
            "name": "Authorization",
            "in": "header"
        }
    },
    "paths": {
        "/health": {
            "get": {"tags": ["Health"], "summary": "Health check", "responses": {"200": {"description": "OK"}}}
        },
        "/ready": {
            "get": {"tags": ["Health"], "summary": "Readiness check", "responses": {"200": {"description": "OK"}, "503": {"description": "Not ready"}}}
        },
        "/version": {
            "get": {"tags": ["Health"], "summary": "Get API version", "responses": {"200": {"description": "OK"}}}
        },
        "/api/v1/tools/call": {
            "post": {"tags": ["Tools"], "summary": "Call a tool", "security": [{"BearerAuth": []}], "responses": {"200": {"description": "Tool response"}, "400": {"description": "Invalid request body"}, "401": {"description": "Unauthorized"}}}
        },
        "/api/v1/tools": {
            "get": {"tags": ["Tools"], "summary": "List tools", "security": [{"BearerAuth": []}], "responses": {"200": {"description": "OK"}}}
        },
        "/api/v1/tools/invocations": {
            "get": {"tags": ["Tools"], "summary": "Recent tool invocations", "security": [{"BearerAuth": []}], "responses": {"200": {"description": "OK"}}}
        },
        "/api/v1/jobs": {
            "get": {"tags": ["Jobs"], "summary": "List jobs", "security": [{"BearerAuth": []}], "responses": {"200": {"description": "OK"}}}
        },
        "/api/v1/jobs/stats": {
            "get": {"tags": ["Jobs"], "summary": "Queue statistics", "security": [{"BearerAuth": []}], "responses": {"200": {"description": "OK"}}}
        },
        "/api/v1/jobs/{id}": {
            "get": {"tags": ["Jobs"], "summary": "Get job", "security": [{"BearerAuth": []}], "responses": {"200": {"description": "OK"}, "404": {"description": "Job not found"}}}
        },
        "/api/v1/jobs/{id}/cancel": {
            "post": {"tags": ["Jobs"], "summary": "Cancel job", "security": [{"BearerAuth": []}], "responses": {"200": {"description": "OK"}, "404": {"description": "Job not found"}, "409": {"description": "Job already running or finished"}}}
        },
        "/api/v1/reconcile": {
            "post": {"tags": ["Jobs"], "summary": "Trigger full reconcile", "security": [{"BearerAuth": []}], "responses": {"202": {"description": "Accepted"}}}
        },
        "/api/v1/schedules": {
            "get": {"tags": ["Schedules"], "summary": "List schedules", "security": [{"BearerAuth": []}], "responses": {"200": {"description": "OK"}}}
        },
        "/api/v1/schedules/{id}": {
            "post": {"tags": ["Schedules"], "summary": "Enable or disable a schedule", "security": [{"BearerAuth": []}], "responses": {"200": {"description": "OK"}, "400": {"description": "Invalid request"}, "404": {"description": "Schedule not found"}}}
        },
        "/api/v1/conflicts": {
            "get": {"tags": ["Conflicts"], "summary": "List conflicts", "security": [{"BearerAuth": []}], "responses": {"200": {"description": "OK"}}}
        },
        "/api/v1/conflicts/{id}": {
            "get": {"tags": ["Conflicts"], "summary": "Get conflict", "security": [{"BearerAuth": []}], "responses": {"200": {"description": "OK"}, "404": {"description": "Conflict not found"}}}
        },
        "/api/v1/conflicts/{id}/resolve": {
            "post": {"tags": ["Conflicts"], "summary": "Resolve conflict", "security": [{"BearerAuth": []}], "responses": {"200": {"description": "OK"}, "400": {"description": "Invalid resolution"}, "404": {"description": "Conflict not found"}, "409": {"description": "Already resolved"}}}
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{},
	Title:            "Marketplace Orchestrator API",
	Description:      "Tool protocol and operator API for the marketplace operation orchestrator.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}

// Package docs registers the OpenAPI document served at /swagger/.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {
            "name": "AussieBroadWAN Team",
            "url": "https://github.com/aussiebroadwan/gatehouse"
        },
        "license": {
            "name": "MIT",
            "url": "https://opensource.org/licenses/MIT"
        },
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/sign-up/email": {"post": {"tags": ["credential"], "summary": "Create a user with email and password", "consumes": ["application/json"], "produces": ["application/json"], "responses": {"200": {"description": "OK"}, "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/apierr.Body"}}}}},
        "/sign-in/email": {"post": {"tags": ["credential"], "summary": "Sign in with email and password", "consumes": ["application/json"], "produces": ["application/json"], "responses": {"200": {"description": "OK"}, "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/apierr.Body"}}}}},
        "/sign-in/social": {"post": {"tags": ["social"], "summary": "Start sign-in with an upstream provider", "consumes": ["application/json"], "produces": ["application/json"], "responses": {"200": {"description": "OK"}, "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/apierr.Body"}}}}},
        "/callback/{providerId}": {"get": {"tags": ["social"], "summary": "Provider redirect target", "parameters": [{"type": "string", "name": "providerId", "in": "path", "required": true}], "responses": {"302": {"description": "Found"}}}},
        "/sign-out": {"post": {"tags": ["session"], "summary": "End the current session", "responses": {"200": {"description": "OK"}}}},
        "/session": {"get": {"tags": ["session"], "summary": "Get the current session", "produces": ["application/json"], "responses": {"200": {"description": "OK"}}}},
        "/list-sessions": {"get": {"tags": ["session"], "summary": "List the caller's active sessions", "produces": ["application/json"], "responses": {"200": {"description": "OK"}, "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/apierr.Body"}}}}},
        "/two-factor/enable": {"post": {"tags": ["two-factor"], "summary": "Start TOTP enrolment", "responses": {"200": {"description": "OK"}, "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/apierr.Body"}}}}},
        "/two-factor/verify-totp": {"post": {"tags": ["two-factor"], "summary": "Verify a TOTP code", "responses": {"200": {"description": "OK"}, "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/apierr.Body"}}}}},
        "/two-factor/disable": {"post": {"tags": ["two-factor"], "summary": "Remove the TOTP factor", "responses": {"200": {"description": "OK"}}}},
        "/oauth2/authorize": {"get": {"tags": ["oauth2"], "summary": "Authorization endpoint", "responses": {"302": {"description": "Found"}, "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/apierr.OAuthBody"}}}}},
        "/oauth2/consent": {"post": {"tags": ["oauth2"], "summary": "Accept or deny a consent request", "responses": {"200": {"description": "OK"}}}},
        "/oauth2/token": {"post": {"tags": ["oauth2"], "summary": "Token endpoint", "consumes": ["application/x-www-form-urlencoded"], "produces": ["application/json"], "responses": {"200": {"description": "OK"}, "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/apierr.OAuthBody"}}, "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/apierr.OAuthBody"}}}}},
        "/oauth2/userinfo": {"get": {"security": [{"BearerAuth": []}], "tags": ["oauth2"], "summary": "OpenID Connect userinfo", "responses": {"200": {"description": "OK"}, "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/apierr.OAuthBody"}}}}},
        "/oauth2/revoke": {"post": {"tags": ["oauth2"], "summary": "Revoke a token (RFC 7009)", "responses": {"200": {"description": "OK"}}}},
        "/oauth2/register": {"post": {"tags": ["oauth2"], "summary": "Register a client", "responses": {"201": {"description": "Created"}, "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/apierr.OAuthBody"}}}}},
        "/oauth2/bc-authorize": {"post": {"tags": ["ciba"], "summary": "Start a backchannel authentication request", "responses": {"200": {"description": "OK"}, "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/apierr.OAuthBody"}}}}},
        "/ciba/verify": {"get": {"tags": ["ciba"], "summary": "Show a pending backchannel request", "responses": {"200": {"description": "OK"}, "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/apierr.Body"}}}}},
        "/ciba/authorize": {"post": {"tags": ["ciba"], "summary": "Approve a backchannel request", "responses": {"200": {"description": "OK"}}}},
        "/ciba/deny": {"post": {"tags": ["ciba"], "summary": "Deny a backchannel request", "responses": {"200": {"description": "OK"}}}},
        "/jwks": {"get": {"tags": ["discovery"], "summary": "Public signing keys", "responses": {"200": {"description": "OK"}, "503": {"description": "Service Unavailable", "schema": {"$ref": "#/definitions/apierr.Body"}}}}},
        "/.well-known/openid-configuration": {"get": {"tags": ["discovery"], "summary": "OpenID Provider metadata", "responses": {"200": {"description": "OK"}}}}
    },
    "definitions": {
        "apierr.Body": {
            "type": "object",
            "properties": {
                "code": {"type": "string"},
                "message": {"type": "string"}
            }
        },
        "apierr.OAuthBody": {
            "type": "object",
            "properties": {
                "error": {"type": "string"},
                "error_description": {"type": "string"}
            }
        }
    },
    "securityDefinitions": {
        "BearerAuth": {
            "description": "Opaque access token issued by /oauth2/token. Format: \"Bearer {token}\".",
            "type": "apiKey",
            "name": "Authorization",
            "in": "header"
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "0.1.0",
	Host:             "localhost:8080",
	BasePath:         "/api/auth",
	Schemes:          []string{"http", "https"},
	Title:            "Gatehouse Authentication API",
	Description:      "Session based authentication with social sign-in, an OAuth 2.0 / OpenID Connect provider and CIBA.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}

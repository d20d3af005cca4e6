package main

// General API documentation for swaggo. Generate with `swag init -g cmd/braindrive/docs.go`.
//
// @title           BrainDrive plugin API
// @version         1.0
// @description     Plugin install, update, delete and service management for BrainDrive.
//
// @BasePath  /
//
// @schemes http

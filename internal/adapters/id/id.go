// Package id provides prefixed nanoid generation for runtime entities.
package id

import (
	nanoid "github.com/matoous/go-nanoid/v2"
)

const DefaultLength = 21

const (
	PrefixSession = "sess"
	PrefixJob     = "job"
	PrefixModel   = "model"
)

func New(prefix string) string {
	id, err := nanoid.New(DefaultLength)
	if err != nil {
		panic("nanoid generation failed: " + err.Error())
	}
	return prefix + "_" + id
}

func NewSession() string { return New(PrefixSession) }
func NewJob() string     { return New(PrefixJob) }
func NewModel() string   { return New(PrefixModel) }

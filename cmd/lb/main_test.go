package main

import (
	"flag"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"

	"kelub/hashlb/frontend"
)

func TestFlagTagsAreRegistered(t *testing.T) {
	typ := reflect.TypeOf(frontend.Options{})
	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !assert.True(t, ok, "field %s has no flag tag", f.Name) {
			continue
		}
		assert.NotNil(t, flag.Lookup(name), "field %s: flag -%s is not registered", f.Name, name)
	}
}

func TestNewProvisioner(t *testing.T) {
	defer func(kind string) { opt.Provisioner = kind }(opt.Provisioner)

	opt.Provisioner = "static"
	p, consul, err := newProvisioner(nil)
	assert.NoError(t, err)
	assert.NotNil(t, p)
	assert.Nil(t, consul)

	opt.Provisioner = "docker+static"
	p, _, err = newProvisioner(nil)
	assert.NoError(t, err)
	assert.Len(t, p, 2)

	opt.Provisioner = "podman"
	_, _, err = newProvisioner(nil)
	assert.Error(t, err)
}

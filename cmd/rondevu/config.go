// Copyright (C) 2025 XTR Dev.
// See LICENSE for copying information.

package main

import (
	"reflect"
	"strconv"

	"github.com/spf13/viper"
	"github.com/zeebo/errs"

	"github.com/xtr-dev/rondevu-server/rendezvous"
)

// loadConfig fills a Config from the environment. Every field declares its
// variable name and default through struct tags; viper resolves the
// environment on top of the defaults.
func loadConfig(vip *viper.Viper) (rendezvous.Config, error) {
	var config rendezvous.Config

	vip.AutomaticEnv()

	value := reflect.ValueOf(&config).Elem()
	typ := value.Type()
	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		env := field.Tag.Get("env")
		if env == "" {
			continue
		}
		vip.SetDefault(env, field.Tag.Get("default"))

		raw := vip.GetString(env)
		switch field.Type.Kind() {
		case reflect.String:
			value.Field(i).SetString(raw)
		case reflect.Int, reflect.Int64:
			if raw == "" {
				raw = "0"
			}
			parsed, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return config, errs.New("%s must be an integer: %v", env, err)
			}
			value.Field(i).SetInt(parsed)
		default:
			return config, errs.New("unsupported config field type %s for %s", field.Type, env)
		}
	}
	return config, nil
}

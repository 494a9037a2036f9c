package config

import (
	"reflect"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/argonne-lcf/balsam/internal/model"
)

var CustomHooks = []viper.DecoderConfigOption{
	viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		SerialModeHookFunc(),
		CandidateOrderHookFunc(),
		JobStateHookFunc(),
	)),
}

func SerialModeHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		// check that src and target types are valid
		if f.Kind() != reflect.String || t != reflect.TypeOf(model.SerialByPacking) {
			return data, nil
		}
		return model.ParseSerialMode(data.(string))
	}
}

func CandidateOrderHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(model.OrderLongestFirst) {
			return data, nil
		}
		return model.ParseCandidateOrder(data.(string))
	}
}

func JobStateHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(model.Running) {
			return data, nil
		}
		return model.ParseJobState(data.(string))
	}
}

package distsys

import (
	"encoding/gob"
	"os"
	"reflect"
)

func init() {
	gob.Register(TaskList{})
	gob.Register(Task{})
	gob.Register(TaskCmdScript{})
	gob.Register(TaskCmdTaskRef{})
}

// WriteCache stores the parsed task list together with the option values it
// was parsed with.
func WriteCache(file string, options map[string]string, list TaskList) error {
	handle, err := os.Create(file)
	if err != nil {
		return err
	}
	defer handle.Close()

	encoder := gob.NewEncoder(handle)
	err = encoder.Encode(options)
	if err != nil {
		return err
	}

	return encoder.Encode(list)
}

func ReadCache(file string) (map[string]string, TaskList, error) {
	handle, err := os.Open(file)
	if err != nil {
		return nil, nil, err
	}
	defer handle.Close()

	decoder := gob.NewDecoder(handle)

	var options map[string]string
	err = decoder.Decode(&options)
	if err != nil {
		return nil, nil, err
	}

	var result TaskList
	err = decoder.Decode(&result)
	if err != nil {
		return options, nil, err
	}

	return options, result, nil
}

// CacheIsFresh reports whether the cache at cacheFile was written after the
// last modification of scriptFile and with the same option values.
func CacheIsFresh(cacheFile, scriptFile string, options map[string]string) (TaskList, bool) {
	cacheInfo, err := os.Stat(cacheFile)
	if err != nil {
		return nil, false
	}

	scriptInfo, err := os.Stat(scriptFile)
	if err != nil || scriptInfo.ModTime().After(cacheInfo.ModTime()) {
		return nil, false
	}

	cachedOptions, list, err := ReadCache(cacheFile)
	if err != nil {
		return nil, false
	}

	if len(cachedOptions) == 0 && len(options) == 0 {
		return list, true
	}

	if !reflect.DeepEqual(cachedOptions, options) {
		return nil, false
	}

	return list, true
}

package main

import (
	"fmt"
	"os"

	"github.com/akamensky/argparse"
	"github.com/cyclopcam/intruder/pkg/nn"
	"github.com/cyclopcam/intruder/pkg/nnload"
)

func check(err error) {
	if err != nil {
		panic(err)
	}
}

func main() {
	parser := argparse.NewParser("classes", "List the object classes that can trigger the alarm")
	all := parser.Flag("a", "all", &argparse.Options{Help: "List every class that the model knows, not just the common ones", Default: false})
	modelFile := parser.String("m", "model", &argparse.Options{Help: "Read class names from this model's config, instead of using COCO", Default: ""})
	classFile := parser.String("", "classfile", &argparse.Options{Help: "Text file with one class name per line", Default: ""})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	model := &nn.ModelConfig{Classes: nn.COCOClasses}
	if *modelFile != "" || *classFile != "" {
		model, err = nnload.ResolveConfig(*modelFile, nnload.LoadOptions{ClassFile: *classFile})
		check(err)
	}

	ids := nn.SelectableClasses
	if *all {
		ids = make([]int, len(model.Classes))
		for i := range ids {
			ids[i] = i
		}
	}
	for _, id := range ids {
		fmt.Printf("%3d  %v\n", id, model.ClassName(id))
	}
}

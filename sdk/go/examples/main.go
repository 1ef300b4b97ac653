// Command examples demonstrates basic usage of the CarbonScope SDK.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"CarbonScope/sdk/go/carbonscope"
)

func main() {
	baseURL := os.Getenv("CARBONSCOPE_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}

	client, err := carbonscope.NewClient(baseURL, nil)
	if err != nil {
		log.Fatalf("create client: %v", err)
	}
	if key := os.Getenv("CARBONSCOPE_API_KEY"); key != "" {
		client.SetAPIKey(key)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	accepted, err := client.SubmitTask(ctx, carbonscope.TaskSubmission{
		Prompt: "Estimate the weekly footprint of 20 large VMs in eu-west-1 versus eu-north-1.",
	})
	if err != nil {
		log.Fatalf("submit task: %v", err)
	}
	fmt.Printf("submitted task %s\n", accepted.TaskID)

	for {
		task, err := client.GetTask(ctx, accepted.TaskID)
		if err != nil {
			log.Fatalf("get task: %v", err)
		}
		if task.Status == "completed" || task.Status == "failed" || task.Status == "cancelled" {
			fmt.Printf("task %s finished with status %s\n", task.ID, task.Status)
			if task.Answer != "" {
				fmt.Println(task.Answer)
			}
			break
		}
		time.Sleep(time.Second)
	}

	transcript, err := client.ExportTranscript(ctx, accepted.TaskID)
	if err != nil {
		log.Fatalf("export transcript: %v", err)
	}
	fmt.Println(transcript)
}
